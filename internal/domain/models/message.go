package models

const (
	TemplateWelcomeEmail        = "WelcomeEmail"
	TemplateActivationCodeEmail = "ActivationCodeEmail"
)

// EmailMessage is published for the mailer; it renders TemplateName with
// Placeholders and sends the result to To.
type EmailMessage struct {
	To           string            `json:"to"`
	Subject      string            `json:"subject"`
	TemplateName string            `json:"template_name"`
	Placeholders map[string]string `json:"used_placeholders"`
}
