package transport

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/pce-controller/internal/pcep"
)

// ErrUnsupportedVersion is returned for versions the factory has no codec for.
var ErrUnsupportedVersion = errors.New("unsupported pcep version")

type codec struct {
	version pcep.Version
}

func (c codec) Version() pcep.Version         { return c.version }
func (codec) Keepalive() pcep.Message         { return &pcep.Keepalive{} }
func (codec) Close(reason uint8) pcep.Message { return &pcep.Close{Reason: reason} }

// CodecFactory serves message builders for a fixed set of versions.
type CodecFactory struct {
	versions map[pcep.Version]struct{}
}

// NewCodecFactory builds a factory. With no versions it serves pcep.Version1.
func NewCodecFactory(versions ...pcep.Version) *CodecFactory {
	if len(versions) == 0 {
		versions = []pcep.Version{pcep.Version1}
	}
	f := &CodecFactory{versions: make(map[pcep.Version]struct{}, len(versions))}
	for _, v := range versions {
		f.versions[v] = struct{}{}
	}
	return f
}

// Codec implements pcep.CodecFactory.
func (f *CodecFactory) Codec(v pcep.Version) (pcep.Codec, error) {
	if _, ok := f.versions[v]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	return codec{version: v}, nil
}
