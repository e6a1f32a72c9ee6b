package models

// Server describes one conference server entry: the BBB API endpoint, the
// Greenlight link base used to build room URLs, and the mail transport used
// for every notification sent on behalf of this server.
type Server struct {
	ID           string `json:"id"`
	BBBURL       string `json:"BBB_URL"`
	BBBSecret    string `json:"BBB_SECRET"`
	LinkBase     string `json:"link_base"`
	MailServer   string `json:"mailServer"`
	MailUser     string `json:"mailUser"`
	MailPassword string `json:"mailPassword"`
	MailFrom     string `json:"mailFrom"`
	MailFromName string `json:"mailFromName"`
	MailTo       string `json:"mailTo,omitempty"`
	MailToName   string `json:"mailToName,omitempty"`
	SendEmails   *bool  `json:"send_emails,omitempty"`
	MailDebug    bool   `json:"mailDebug,omitempty"`
}

// Validate checks the required server fields. The returned map is keyed by
// field name and empty on success.
func (s *Server) Validate() FieldErrors {
	errs := FieldErrors{}
	if s.ID == "" {
		errs["id"] = "please specify an id for the server"
	}
	if s.BBBSecret == "" {
		errs["BBB_SECRET"] = "please specify the bbb server secret"
	}
	if !isURL(s.BBBURL) {
		errs["BBB_URL"] = "please specify the bbb server url e.g. https://your_bbb_server_url/bigbluebutton/api"
	}
	if !isURL(s.LinkBase) {
		errs["link_base"] = "please specify a base url for greenlight. e.g. https://your_greenlight_url/b"
	}
	if s.MailServer == "" {
		errs["mailServer"] = "please specify the mail server"
	}
	if s.MailUser == "" {
		errs["mailUser"] = "please specify the mail user"
	}
	if s.MailPassword == "" {
		errs["mailPassword"] = "please specify the mail password"
	}
	if !isEmail(s.MailFrom) {
		errs["mailFrom"] = "please specify a valid sender mail address"
	}
	if s.MailFromName == "" {
		errs["mailFromName"] = "please specify the sender name"
	}
	if s.MailTo != "" && !isEmail(s.MailTo) {
		errs["mailTo"] = "please specify a valid recipient mail address"
	}
	return errs
}
