package kernels

import "time"

// Kind describes one session kind a compute server can start.
type Kind struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Display  string `json:"display_name,omitempty"`
}

// KindList is the server's kind inventory with its default choice.
type KindList struct {
	Default string `json:"default"`
	Kinds   []Kind `json:"kinds"`
}

// Has reports whether the list contains a kind by name.
func (l KindList) Has(name string) bool {
	for _, k := range l.Kinds {
		if k.Name == name {
			return true
		}
	}
	return false
}

// Session is the server-side model of a running session.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Kind         Kind      `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Connections  int       `json:"connections"`
}

// StartSpec names what to start. Empty fields let the server choose.
type StartSpec struct {
	Kind string `json:"kind,omitempty"`
	Name string `json:"name,omitempty"`
}
