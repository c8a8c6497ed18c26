package checkpoint

import (
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"segforge/internal/model"
	"segforge/internal/tensor"
)

const format = "segforge-state/v2"

// ErrIncompatible is returned when a state dict does not match the module.
var ErrIncompatible = errors.New("checkpoint: incompatible state")

// entry holds values as little-endian IEEE 754 bits so NaN and Inf survive.
type entry struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Data  []byte `json:"data"`
}

type stateDict struct {
	Format string  `json:"format"`
	Params []entry `json:"params"`
}

// Save writes the parameters of m to path, creating parent directories.
func Save(path string, m model.Module) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := Write(f, m); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Write encodes the state dict of m as zlib-compressed JSON.
func Write(w io.Writer, m model.Module) error {
	sd := stateDict{Format: format}
	for _, p := range m.Parameters() {
		sd.Params = append(sd.Params, entry{Name: p.Name, Shape: p.Shape, Data: encodeFloats(p.Data)})
	}
	zw := zlib.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(sd); err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	return zw.Close()
}

// Load reads path into the parameters of m.
func Load(path string, m model.Module) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()
	return Read(f, m)
}

// Read decodes a state dict and copies it into m. Every parameter of m must
// be present with the same shape and no extra entries are allowed.
func Read(r io.Reader, m model.Module) error {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer zr.Close()
	var sd stateDict
	if err := json.NewDecoder(zr).Decode(&sd); err != nil {
		return fmt.Errorf("checkpoint: decode: %w", err)
	}
	if sd.Format != format {
		return fmt.Errorf("%w: format %q", ErrIncompatible, sd.Format)
	}
	byName := make(map[string]entry, len(sd.Params))
	for _, e := range sd.Params {
		byName[e.Name] = e
	}
	params := m.Parameters()
	if len(byName) != len(params) {
		return fmt.Errorf("%w: %d entries for %d parameters", ErrIncompatible, len(byName), len(params))
	}
	for _, p := range params {
		e, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrIncompatible, p.Name)
		}
		if !tensor.SameShape(e.Shape, p.Shape) || len(e.Data) != 8*len(p.Data) {
			return fmt.Errorf("%w: %s has shape %v, want %v", ErrIncompatible, p.Name, e.Shape, p.Shape)
		}
	}
	for _, p := range params {
		decodeFloats(p.Data, byName[p.Name].Data)
	}
	return nil
}

func encodeFloats(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(dst []float64, buf []byte) {
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
}
