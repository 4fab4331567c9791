package instructions

import (
	"fmt"
	"strings"
)

// Profile is the business knowledge the AI speaks from. Read-only for the
// lifetime of a call; loaded once at startup.
type Profile struct {
	BusinessName string
	Description  string
	Hours        string
}

// TransferTarget is a destination the AI may offer to transfer to.
type TransferTarget struct {
	Key  string
	Name string
}

// Builder renders behavioral instructions and the personalized greeting
// for one call. Pure formatting; no I/O.
type Builder struct {
	profile Profile
}

func NewBuilder(p Profile) *Builder {
	if p.BusinessName == "" {
		p.BusinessName = "our office"
	}
	return &Builder{profile: p}
}

// Greeting is the single line spoken when the call goes active.
func (b *Builder) Greeting(caller string) string {
	if caller == "" {
		return fmt.Sprintf("Hello! Thanks for calling %s. How can I help you today?", b.profile.BusinessName)
	}
	return fmt.Sprintf("Hello! Thanks for calling %s. I see you're calling from %s. How can I help you today?",
		b.profile.BusinessName, speakableNumber(caller))
}

// Instructions renders the free-text behavior payload for the accept
// handshake, including the transfer destinations the AI may use.
func (b *Builder) Instructions(caller string, targets []TransferTarget) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the phone receptionist for %s.", b.profile.BusinessName)
	if b.profile.Description != "" {
		fmt.Fprintf(&sb, " %s.", strings.TrimSuffix(b.profile.Description, "."))
	}
	if b.profile.Hours != "" {
		fmt.Fprintf(&sb, " Opening hours: %s.", b.profile.Hours)
	}
	if caller != "" {
		fmt.Fprintf(&sb, " The caller's number is %s.", caller)
	}
	sb.WriteString(" Be concise and natural; never read out URLs or spell punctuation.")
	if len(targets) > 0 {
		sb.WriteString(" When the caller asks for a person or department, use the transfer_call tool with one of these destinations:")
		for _, tgt := range targets {
			fmt.Fprintf(&sb, " %s (%s),", tgt.Key, tgt.Name)
		}
		return strings.TrimSuffix(sb.String(), ",") + "."
	}
	return sb.String()
}

// speakableNumber groups digits so the model reads a number back naturally.
func speakableNumber(number string) string {
	digits := strings.TrimPrefix(number, "+")
	if len(digits) < 7 {
		return number
	}
	var parts []string
	for len(digits) > 4 {
		parts = append(parts, digits[:3])
		digits = digits[3:]
	}
	parts = append(parts, digits)
	return strings.Join(parts, " ")
}
