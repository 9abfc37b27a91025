package conversation

import (
	"context"
	"strings"

	"github.com/BTreeMap/HabitPipe/internal/models"
)

// CommandRouter handles special keywords and multi-turn command sessions. Route reports whether
// the message belonged to the router; a non-empty reply is sent to the user.
type CommandRouter interface {
	Route(ctx context.Context, user models.User, body string) (handled bool, reply string, err error)
}

// HelpRouter answers HELP and COMMANDS with a short usage text.
type HelpRouter struct{}

// Compile-time check that HelpRouter implements CommandRouter.
var _ CommandRouter = HelpRouter{}

const helpText = "Reply to a habit question with yes/no or a number. " +
	"You can also text things like \"walked 30 min\" or \"drank 40 oz water\" at any time."

// Route implements CommandRouter.
func (HelpRouter) Route(ctx context.Context, user models.User, body string) (bool, string, error) {
	switch strings.ToUpper(normalizeReply(body)) {
	case "HELP", "COMMANDS":
		return true, helpText, nil
	default:
		return false, "", nil
	}
}
