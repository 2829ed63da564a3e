// Package prompt implements the interactive confirmation gate in front of
// destructive commands.
package prompt

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/veridoc/veridoc-ops/internal/logging"
)

// Confirm asks the operator to approve a destructive action by typing the
// expected phrase. Without a terminal there is nobody to ask, so it
// returns false and the caller aborts; automation must pass --confirm or
// set assume_yes. assumeYes short-circuits the prompt and is logged
// loudly, since it removes the last safety net.
func Confirm(summary, phrase string, assumeYes bool) (bool, error) {
	if assumeYes {
		logging.Warn().Str("action", summary).Msg("confirmation skipped: assume_yes is set")
		return true, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, nil
	}
	fmt.Fprintf(os.Stderr, "%s\nType %q to continue: ", summary, phrase)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(line) == phrase, nil
}
