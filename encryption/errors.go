package encryption

import "errors"

// ErrInvalidSignature is wrapped by VerifyTransaction when the hash checks out
// but the signature does not.
var ErrInvalidSignature = errors.New("invalid signature")
