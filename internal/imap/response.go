package imap

import (
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/imapd/internal/auth"
)

// Untagged responses are prefixed with this in place of a tag.
const untagged = "*"

// capabilities advertised by CAPABILITY, in order.
var capabilities = []imap.Cap{
	imap.CapIMAP4rev1,
	imap.Cap("AUTH=" + auth.MechanismXOAUTH2),
	imap.CapLoginDisabled,
}

func capabilityList() string {
	names := make([]string, len(capabilities))
	for i, c := range capabilities {
		names[i] = string(c)
	}
	return strings.Join(names, " ")
}

func capabilityLine() string {
	return untagged + " CAPABILITY " + capabilityList()
}

// greetingLine carries the capabilities as a response code so clients do
// not need to ask for them before their first command.
func greetingLine() string {
	return ok(untagged, "[CAPABILITY "+capabilityList()+"] "+Greeting)
}

// status formats "<tag> <OK|NO|BAD|BYE> <text>".
func status(tag string, typ imap.StatusResponseType, text string) string {
	return tag + " " + string(typ) + " " + text
}

func ok(tag, text string) string  { return status(tag, imap.StatusResponseTypeOK, text) }
func no(tag, text string) string  { return status(tag, imap.StatusResponseTypeNo, text) }
func bad(tag, text string) string { return status(tag, imap.StatusResponseTypeBad, text) }
func bye(text string) string      { return status(untagged, imap.StatusResponseTypeBye, text) }
