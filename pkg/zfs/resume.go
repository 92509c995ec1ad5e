package zfs

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"git.dolansoft.org/lorenz/go-zfs/nvlist"
)

// DecodeResumeToken decodes dataset's opaque receive_resume_token into
// the object/offset pair an interrupted send resumes from. A real
// token is a packed nvlist carrying, among other fields, the
// "object" and "offset" a partial receive left off at; some builds
// hex-encode it, others base64, so both are tried before giving up.
func DecodeResumeToken(token string) (*ResumeFrom, error) {
	raw, err := decodeTokenBytes(token)
	if err != nil {
		return nil, fmt.Errorf("zfs: decode resume token: %w", err)
	}

	parsed := new(interface{})
	if err := nvlist.Unmarshal(raw, parsed); err != nil {
		return nil, fmt.Errorf("zfs: unmarshal resume token nvlist: %w", err)
	}

	fields, ok := (*parsed).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("zfs: resume token nvlist is not a pair list")
	}

	object, err := nvlistUint64(fields, "object")
	if err != nil {
		return nil, err
	}
	offset, err := nvlistUint64(fields, "offset")
	if err != nil {
		return nil, err
	}
	return &ResumeFrom{Object: object, Offset: offset}, nil
}

func decodeTokenBytes(token string) ([]byte, error) {
	if raw, err := hex.DecodeString(token); err == nil {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(token); err == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("token %q is neither valid hex nor base64", token)
}

// nvlistUint64 pulls an integer-typed nvpair out of a decoded nvlist
// map, accepting whatever width the encoder on the other end chose.
func nvlistUint64(fields map[string]interface{}, name string) (uint64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("zfs: resume token nvlist missing %q", name)
	}
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case int64:
		return uint64(n), nil
	case int32:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("zfs: resume token field %q has unexpected type %T", name, v)
	}
}
