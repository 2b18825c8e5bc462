package kv

// JSON protocol spoken over the daemon's Unix socket. A connection carries a
// sequence of requests, each answered by exactly one response.

const (
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpKeys   = "keys"
)

type Request struct {
	Op         string `json:"op"`
	Key        string `json:"key"`
	Value      []byte `json:"value,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

type Response struct {
	OK    bool     `json:"ok"`
	Value []byte   `json:"value,omitempty"`
	Keys  []string `json:"keys,omitempty"`
	Error string   `json:"error,omitempty"`
}

// decodeError maps wire errors back to the package sentinels.
func decodeError(msg string) error {
	switch msg {
	case ErrNotFound.Error():
		return ErrNotFound
	case ErrExpired.Error():
		return ErrExpired
	}
	return &remoteError{msg: msg}
}

type remoteError struct{ msg string }

func (e *remoteError) Error() string { return "kv: remote: " + e.msg }
