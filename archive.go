package crest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/golang/snappy"
)

// Archive layout: 4-byte magic, a version byte, a flags byte, then a snappy
// compressed JSON envelope. Encrypted archives seal the compressed envelope
// and set the encrypted flag.

var archiveMagic = []byte("CRST")

const (
	archiveVersion            = 1
	archiveFlagEncrypted byte = 1 << 0
)

// floatColumn marshals samples as a JSON array with null standing in for
// NaN and infinities, which JSON numbers cannot carry.
type floatColumn []float64

func (c floatColumn) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, len(c)*8+2)
	buf = append(buf, '[')
	for i, v := range c {
		if i > 0 {
			buf = append(buf, ',')
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			buf = append(buf, "null"...)
			continue
		}
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
	}
	return append(buf, ']'), nil
}

func (c *floatColumn) UnmarshalJSON(data []byte) error {
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]float64, len(raw))
	for i, p := range raw {
		if p == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *p
		}
	}
	*c = out
	return nil
}

type archiveEnvelope struct {
	Info       FileInfo               `json:"info"`
	Times      floatColumn            `json:"times"`
	Order      []string               `json:"order"`
	Signals    map[string]floatColumn `json:"signals"`
	SampleRate float64                `json:"sample_rate,omitempty"`
}

// EncodeArchive serializes a signal set into the archive format. An empty
// password produces a plain archive; otherwise the payload is encrypted.
func EncodeArchive(set *SignalSet, password string) ([]byte, error) {
	env := archiveEnvelope{
		Info:       set.FileInfo(),
		Times:      floatColumn(set.TimeAxis()),
		Order:      set.Names(),
		Signals:    make(map[string]floatColumn, set.Len()),
		SampleRate: set.sampleRateOverride(),
	}
	for _, name := range env.Order {
		values, err := set.Signal(name)
		if err != nil {
			return nil, err
		}
		env.Signals[name] = floatColumn(values)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	payload = snappy.Encode(nil, payload)

	var flags byte
	if password != "" {
		enc, err := NewEncryptor(password)
		if err != nil {
			return nil, err
		}
		payload, err = enc.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		flags |= archiveFlagEncrypted
	}

	out := make([]byte, 0, len(archiveMagic)+2+len(payload))
	out = append(out, archiveMagic...)
	out = append(out, archiveVersion, flags)
	return append(out, payload...), nil
}

// DecodeArchive rebuilds a signal set from archive bytes. The password is
// only consulted when the encrypted flag is set.
func DecodeArchive(data []byte, password string) (*SignalSet, error) {
	if len(data) < len(archiveMagic)+2 || !bytes.Equal(data[:len(archiveMagic)], archiveMagic) {
		return nil, ErrArchiveCorrupt
	}
	if v := data[len(archiveMagic)]; v != archiveVersion {
		return nil, fmt.Errorf("unsupported archive version %d", v)
	}
	flags := data[len(archiveMagic)+1]
	payload := data[len(archiveMagic)+2:]

	if flags&archiveFlagEncrypted != 0 {
		if password == "" {
			return nil, errors.New("archive is encrypted, password required")
		}
		enc, err := NewEncryptor(password)
		if err != nil {
			return nil, err
		}
		payload, err = enc.Decrypt(payload)
		if err != nil {
			return nil, err
		}
	}

	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	var env archiveEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}

	set := NewSignalSet([]float64(env.Times))
	set.SetFileInfo(env.Info)
	if env.SampleRate > 0 {
		set.SetSampleRate(env.SampleRate)
	}
	for _, name := range env.Order {
		col, ok := env.Signals[name]
		if !ok {
			return nil, fmt.Errorf("%w: signal %q missing from envelope", ErrArchiveCorrupt, name)
		}
		if err := set.AddSignal(name, []float64(col)); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// WriteArchive encodes the set and writes it to path.
func WriteArchive(path string, set *SignalSet, password string) error {
	data, err := EncodeArchive(set, password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadArchive loads an archive file written by WriteArchive.
func ReadArchive(path string, password string) (*SignalSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeArchive(data, password)
}
