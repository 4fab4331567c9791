package realtime

import "encoding/json"

// Event frame types carried on a realtime stream.
// Only the subset this gateway consumes or emits is modeled; anything else
// is acknowledged and ignored by the stream layer.
const (
	EventSpeechStarted    = "input_audio_buffer.speech_started"
	EventSpeechStopped    = "input_audio_buffer.speech_stopped"
	EventResponseDone     = "response.done"
	EventFunctionCallDone = "response.function_call_arguments.done"

	EventResponseCreate = "response.create"
	EventBufferClear    = "input_audio_buffer.clear"
	EventItemCreate     = "conversation.item.create"
)

// Event is one JSON frame, in either direction.
type Event struct {
	Type string `json:"type"`

	// Function-call completion fields (EventFunctionCallDone).
	// CallID is the action's own correlation id, distinct from the
	// telephony call id.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Response *ResponseParams `json:"response,omitempty"`
	Item     *Item           `json:"item,omitempty"`
}

type ResponseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// Item is a conversation item; the only kind this gateway emits is a
// function_call_output correlated to a prior function call.
type Item struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// SpeakResponse asks the model to speak the given line verbatim.
func SpeakResponse(line string) Event {
	return Event{
		Type:     EventResponseCreate,
		Response: &ResponseParams{Instructions: "Say exactly the following, warmly and naturally: " + line},
	}
}

// ContinueResponse asks the model to resume after a function result.
func ContinueResponse() Event {
	return Event{Type: EventResponseCreate}
}

// BufferClear cuts off in-flight playback after a barge-in.
func BufferClear() Event {
	return Event{Type: EventBufferClear}
}

// FunctionOutput wraps a structured action result, correlated by the
// function call's own id.
func FunctionOutput(correlationID, output string) Event {
	return Event{
		Type: EventItemCreate,
		Item: &Item{Type: "function_call_output", CallID: correlationID, Output: output},
	}
}

// Tool declares a function the model may call during the session.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}
