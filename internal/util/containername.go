package util

import (
	"fmt"

	"github.com/google/uuid"
)

// BuildContainerName returns a deterministic-prefix, globally-unique name
// for the ephemeral container backing one build. The buildID makes the name
// traceable in `docker ps` output; the uuid suffix guarantees uniqueness
// even across a crash-and-retry of the same buildID.
func BuildContainerName(buildID int64) string {
	return fmt.Sprintf("ando-build-%d-%s", buildID, uuid.NewString()[:8])
}
