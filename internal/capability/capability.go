// Package capability trims process privileges before capture starts so the
// output file stays subject to disk quotas when running as root.
package capability

import "errors"

var ErrCapability = errors.New("capability: update failed")
