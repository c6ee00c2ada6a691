package notmuch

import (
	"fmt"

	"github.com/emersion/go-message/mail"
)

// Sender returns the display name of the From header, or the header
// itself when there is no name.
func Sender(msg Message) string {
	from, err := msg.Header("From")
	if err != nil {
		return ""
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return from
	}
	if addr.Name != "" {
		return addr.Name
	}
	return addr.Address
}

// Summary describes msg on a single line, for logging.
func Summary(msg Message) string {
	subject, _ := msg.Header("Subject")
	return fmt.Sprintf("[%s] %s | %s",
		msg.Date().Local().Format("2006-01-02 15:04:05"), Sender(msg), subject)
}
