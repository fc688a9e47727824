package export

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"sparsecnn/internal/model"
)

const denseMagic = "SCNN"
const denseVersion uint32 = 1

// ErrBadModelFile is returned when a model file cannot be decoded.
var ErrBadModelFile = errors.New("export: malformed model file")

type denseHeader struct {
	Version    uint32
	Side       uint32
	Filters    uint32
	KernelSize uint32
	PoolSize   uint32
	NumClasses uint32
	L1         float64
	Tensors    uint32
}

// SaveDense writes the network weights as float32 little-endian tensors
// behind a fixed header. Optimizer state is not persisted.
func SaveDense(path string, net *model.ConvNet) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := writeDense(w, net); err != nil {
		f.Close()
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("export: flush %s: %w", path, err)
	}
	return f.Close()
}

func writeDense(w io.Writer, net *model.ConvNet) error {
	arch := net.Architecture()
	params := net.Params()
	if _, err := io.WriteString(w, denseMagic); err != nil {
		return err
	}
	hdr := denseHeader{
		Version:    denseVersion,
		Side:       uint32(arch.Side),
		Filters:    uint32(arch.Filters),
		KernelSize: uint32(arch.KernelSize),
		PoolSize:   uint32(arch.PoolSize),
		NumClasses: uint32(arch.NumClasses),
		L1:         arch.L1,
		Tensors:    uint32(len(params)),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	buf := make([]byte, 0, 4096)
	for _, p := range params {
		buf = buf[:0]
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Name)))
		buf = append(buf, p.Name...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Values)))
		if _, err := w.Write(buf); err != nil {
			return err
		}
		values := make([]byte, 4*len(p.Values))
		for i, v := range p.Values {
			binary.LittleEndian.PutUint32(values[4*i:], math.Float32bits(float32(v)))
		}
		if _, err := w.Write(values); err != nil {
			return err
		}
	}
	return nil
}

// LoadDense reads a file written by SaveDense. The returned network uses lr
// for any further training.
func LoadDense(path string, lr float64) (*model.ConvNet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("export: open %s: %w", path, err)
	}
	defer f.Close()
	net, err := readDense(bufio.NewReader(f), lr)
	if err != nil {
		return nil, fmt.Errorf("export: read %s: %w", path, err)
	}
	return net, nil
}

func readDense(r io.Reader, lr float64) (*model.ConvNet, error) {
	magic := make([]byte, len(denseMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadModelFile, err)
	}
	if string(magic) != denseMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadModelFile, magic)
	}
	var hdr denseHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadModelFile, err)
	}
	if hdr.Version != denseVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadModelFile, hdr.Version)
	}
	arch := model.Architecture{
		Side:       int(hdr.Side),
		Filters:    int(hdr.Filters),
		KernelSize: int(hdr.KernelSize),
		PoolSize:   int(hdr.PoolSize),
		NumClasses: int(hdr.NumClasses),
		L1:         hdr.L1,
	}
	if err := arch.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadModelFile, err)
	}
	if hdr.Tensors > 16 {
		return nil, fmt.Errorf("%w: %d tensors", ErrBadModelFile, hdr.Tensors)
	}
	params := make([]model.Param, 0, hdr.Tensors)
	for i := uint32(0); i < hdr.Tensors; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("%w: tensor %d: %v", ErrBadModelFile, i, err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("%w: tensor %d name: %v", ErrBadModelFile, i, err)
		}
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrBadModelFile, name, err)
		}
		if count > 1<<26 {
			return nil, fmt.Errorf("%w: tensor %s has %d values", ErrBadModelFile, name, count)
		}
		raw := make([]byte, 4*int(count))
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("%w: tensor %s values: %v", ErrBadModelFile, name, err)
		}
		values := make([]float64, count)
		for j := range values {
			values[j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*j:])))
		}
		params = append(params, model.Param{Name: string(name), Values: values})
	}
	net, err := model.FromParams(arch, params, lr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadModelFile, err)
	}
	return net, nil
}
