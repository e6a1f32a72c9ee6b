package templates

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

// Default template file names per mail stage. Meeting records may override
// them with any other embedded template, e.g. the imported-* variants.
const (
	OwnerInfo      = "meetingOwnerInfoTemplate.tmpl"
	OwnerStarted   = "meetingOwnerStartedTemplate.tmpl"
	OwnerReminder  = "meetingOwnerReminderTemplate.tmpl"
	ShareInfo      = "meetingShareInfoTemplate.tmpl"
	InvitationInfo = "meetingInvitationInfoTemplate.tmpl"
	ModeratorInfo  = "meetingModeratorInfoTemplate.tmpl"
	RoomShared     = "roomSharedTemplate.tmpl"
	RoomUnshared   = "roomUnsharedTemplate.tmpl"
)

//go:embed *.tmpl
var files embed.FS

// Context carries everything a mail template may reference. Unused fields
// stay empty; templates pick what they need.
type Context struct {
	MeetingName   string
	MeetingTitle  string
	StartDate     string
	MeetingLink   string
	ModeratorLink string
	AccessCode    string
	Server        string

	OwnerEmail    string
	OwnerFullName string

	RecipientEmail string
	RecipientName  string
}

// Renderer holds the parsed template set. Rendered texts start with a
// Subject header line, the mail sender keeps it in the body section of the
// MIME message.
type Renderer struct {
	set *template.Template
}

// New parses every embedded template and checks that each mail stage has
// its default. A broken or missing template is a startup error, not
// something to discover when the first mail goes out.
func New() (*Renderer, error) {
	set, err := template.ParseFS(files, "*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse mail templates: %w", err)
	}
	r := &Renderer{set: set}
	for _, name := range []string{
		OwnerInfo, OwnerStarted, OwnerReminder, ShareInfo,
		InvitationInfo, ModeratorInfo, RoomShared, RoomUnshared,
	} {
		if !r.Has(name) {
			return nil, fmt.Errorf("mail template %s is missing", name)
		}
	}
	return r, nil
}

// Has reports whether a template with this name is available.
func (r *Renderer) Has(name string) bool {
	return r.set.Lookup(name) != nil
}

// Render executes one template by file name.
func (r *Renderer) Render(name string, ctx Context) (string, error) {
	tmpl := r.set.Lookup(name)
	if tmpl == nil {
		return "", fmt.Errorf("mail template %s not found", name)
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("failed to render mail template %s: %w", name, err)
	}
	return buf.String(), nil
}
