package schedule

import (
	"fmt"

	"github.com/mori-go/mori/morierr"
)

func unknownSchedulerError(name string) error {
	return fmt.Errorf("schedule: unknown scheduler %q: %w", name, morierr.ErrContextInvalid)
}
