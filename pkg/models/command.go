package models

import "encoding/json"

// Command verbs understood by the command processor.
const (
	CommandRenameRoom  = "rename_room"
	CommandShareRoom   = "share_room"
	CommandUnshareRoom = "unshare_room"
	CommandCreateRoom  = "create_room"
	CommandDeleteRoom  = "delete_room"
	CommandCreateUser  = "create_user"
	CommandDeleteUser  = "delete_user"
)

// Command is the envelope carried on the command stream. Data maps a
// command-dependent key (room uid, room name or email) to the verb's
// payload; the payload shape differs per verb, so it stays raw until the
// verb is known.
type Command struct {
	Command string                     `json:"command"`
	Server  string                     `json:"server"`
	Data    map[string]json.RawMessage `json:"data"`
}

// RenameRoomData is the payload of rename_room, keyed by the old room uid.
type RenameRoomData struct {
	RoomUID string `json:"roomUID"`
}

// CreateRoomData is the payload of create_room, keyed by the room name.
type CreateRoomData struct {
	Email      string `json:"email"`
	RoomUID    string `json:"roomUID,omitempty"`
	AccessCode string `json:"accessCode,omitempty"`
}

// CreateUserData is the payload of create_user, keyed by the email address.
type CreateUserData struct {
	FullName string `json:"fullName"`
	Pwd      string `json:"pwd,omitempty"`
	Role     int    `json:"role,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Validate checks the envelope fields shared by every verb.
func (c *Command) Validate() FieldErrors {
	errs := FieldErrors{}
	if c.Command == "" {
		errs["command"] = "please specify a command"
	}
	if c.Server == "" {
		errs["server"] = "please specify a server to use"
	}
	if len(c.Data) == 0 {
		errs["data"] = "please specify the data for the command"
	}
	return errs
}

// ValidateShareData checks one share_room / unshare_room payload: a mapping
// of mail address to optional display name.
func ValidateShareData(raw json.RawMessage) (map[string]string, FieldErrors) {
	errs := FieldErrors{}
	var recipients map[string]string
	if err := json.Unmarshal(raw, &recipients); err != nil {
		errs["data"] = "please specify a room name and at least one valid mail address"
		return nil, errs
	}
	for email := range recipients {
		if !isEmail(email) {
			errs["data."+email] = "please specify a valid mail address"
		}
	}
	if len(recipients) == 0 {
		errs["data"] = "please specify at least one valid mail address"
	}
	return recipients, errs
}

// ValidateRenameData checks one rename_room payload.
func ValidateRenameData(raw json.RawMessage) (RenameRoomData, FieldErrors) {
	errs := FieldErrors{}
	var data RenameRoomData
	if err := json.Unmarshal(raw, &data); err != nil || data.RoomUID == "" {
		errs["data.roomUID"] = "specify roomUID"
	}
	return data, errs
}

// ValidateCreateRoomData checks one create_room payload.
func ValidateCreateRoomData(raw json.RawMessage) (CreateRoomData, FieldErrors) {
	errs := FieldErrors{}
	var data CreateRoomData
	if err := json.Unmarshal(raw, &data); err != nil || !isEmail(data.Email) {
		errs["data.email"] = "please specify a valid mail address in the email field"
	}
	return data, errs
}

// ValidateCreateUserData checks one create_user payload; key is the email
// the user is created for.
func ValidateCreateUserData(key string, raw json.RawMessage) (CreateUserData, FieldErrors) {
	errs := FieldErrors{}
	if !isEmail(key) {
		errs["data"] = "please specify at least a valid mail address and the fullName"
	}
	var data CreateUserData
	if err := json.Unmarshal(raw, &data); err != nil || data.FullName == "" {
		errs["data.fullName"] = "please specify the fullName"
	}
	return data, errs
}
