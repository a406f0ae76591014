package domain

import "encoding/json"

// LinkRequest asks for a link between two endpoints written "node" or
// "node:port". Nodes are matched by name or numeric id, ports by name or id.
type LinkRequest struct {
	Output     string `json:"output"`
	Input      string `json:"input"`
	Passive    bool   `json:"passive,omitempty"`
	MinBuffers uint32 `json:"min_buffers,omitempty"`
}

// Event is the envelope used to stream lifecycle events to clients.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// MarshalJSON spells states out and keeps the error text, which the json tags
// otherwise drop.
func (e *LinkEvent) MarshalJSON() ([]byte, error) {
	type plain LinkEvent
	out := struct {
		*plain
		Old   string `json:"old"`
		New   string `json:"new"`
		Error string `json:"error,omitempty"`
	}{plain: (*plain)(e), Old: e.Old.String(), New: e.New.String()}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}
