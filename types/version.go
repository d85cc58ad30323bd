package types

// Version is the canonical project version. CLI, config, and the lock/info
// file schema share this version per the lockstep versioning policy.
const Version = "0.1.0"
