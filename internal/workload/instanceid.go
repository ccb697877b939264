package workload

import (
	"crypto/sha256"
	"encoding/hex"
)

// instanceIDLen is the number of hex characters kept from the full sha256
// digest; short enough to stay readable in logs and instance-name strings,
// long enough that two distinct rendered configs collide only by accident.
const instanceIDLen = 16

// InstanceID derives a workload instance's id from its fully rendered
// runtime_config (I4: "the rendered id is a pure function of the rendered
// runtime_config"). Equal rendered configs always hash to the same id;
// changing runtime_config changes the id and forces a replace.
func InstanceID(renderedRuntimeConfig string) string {
	sum := sha256.Sum256([]byte(renderedRuntimeConfig))
	return hex.EncodeToString(sum[:])[:instanceIDLen]
}
