package models

// Note is the durable metadata record for a collaborative note. The
// relational app that owns users/tenants writes these; this service only
// reads them to resolve rooms and share permissions.
type Note struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Title   string `json:"title,omitempty"`
	// ShareToken gates guest access via share links; empty means not shared
	ShareToken     string `json:"share_token,omitempty"`
	AllowGuestEdit bool   `json:"allow_guest_edit,omitempty"`
	Collaborative  bool   `json:"collaborative,omitempty"`
	// Created/Updated timestamps (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	UpdatedTS int64 `json:"updated_ts,omitempty"`
}
