package models

// User carries the display attributes of a participant.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}
