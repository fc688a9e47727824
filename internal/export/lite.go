package export

import (
	"bufio"
	"fmt"
	"os"

	"github.com/tinylib/msgp/msgp"

	"sparsecnn/internal/model"
)

const liteFormat = "sparsecnn-lite/1"

// SaveLite writes a compact MessagePack rendition of net for on-device
// inference. Weights are float32; tensors containing zeros are stored as
// index deltas plus non-zero values.
func SaveLite(path string, net *model.ConvNet) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	w := msgp.NewWriter(f)
	if err := writeLite(w, net); err != nil {
		f.Close()
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("export: flush %s: %w", path, err)
	}
	return f.Close()
}

func writeLite(w *msgp.Writer, net *model.ConvNet) error {
	arch := net.Architecture()
	params := net.Params()

	if err := w.WriteMapHeader(3); err != nil {
		return err
	}
	if err := w.WriteString("format"); err != nil {
		return err
	}
	if err := w.WriteString(liteFormat); err != nil {
		return err
	}

	if err := w.WriteString("arch"); err != nil {
		return err
	}
	if err := w.WriteArrayHeader(6); err != nil {
		return err
	}
	for _, v := range []int{arch.Side, arch.Filters, arch.KernelSize, arch.PoolSize, arch.NumClasses} {
		if err := w.WriteInt(v); err != nil {
			return err
		}
	}
	if err := w.WriteFloat64(arch.L1); err != nil {
		return err
	}

	if err := w.WriteString("tensors"); err != nil {
		return err
	}
	if err := w.WriteArrayHeader(uint32(len(params))); err != nil {
		return err
	}
	for _, p := range params {
		if err := writeLiteTensor(w, p); err != nil {
			return fmt.Errorf("tensor %s: %w", p.Name, err)
		}
	}
	return nil
}

// Tensor layout: [name, size, sparse, indices, values]. Dense tensors carry
// an empty index array.
func writeLiteTensor(w *msgp.Writer, p model.Param) error {
	nonZero := 0
	for _, v := range p.Values {
		if float32(v) != 0 {
			nonZero++
		}
	}
	sparse := nonZero < len(p.Values)

	if err := w.WriteArrayHeader(5); err != nil {
		return err
	}
	if err := w.WriteString(p.Name); err != nil {
		return err
	}
	if err := w.WriteInt(len(p.Values)); err != nil {
		return err
	}
	if err := w.WriteBool(sparse); err != nil {
		return err
	}
	if !sparse {
		if err := w.WriteArrayHeader(0); err != nil {
			return err
		}
		if err := w.WriteArrayHeader(uint32(len(p.Values))); err != nil {
			return err
		}
		for _, v := range p.Values {
			if err := w.WriteFloat32(float32(v)); err != nil {
				return err
			}
		}
		return nil
	}

	if err := w.WriteArrayHeader(uint32(nonZero)); err != nil {
		return err
	}
	last := 0
	for i, v := range p.Values {
		if float32(v) == 0 {
			continue
		}
		if err := w.WriteUint(uint(i - last)); err != nil {
			return err
		}
		last = i
	}
	if err := w.WriteArrayHeader(uint32(nonZero)); err != nil {
		return err
	}
	for _, v := range p.Values {
		if float32(v) == 0 {
			continue
		}
		if err := w.WriteFloat32(float32(v)); err != nil {
			return err
		}
	}
	return nil
}

// LoadLite reads a file written by SaveLite.
func LoadLite(path string) (*model.ConvNet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("export: open %s: %w", path, err)
	}
	defer f.Close()
	net, err := readLite(msgp.NewReader(bufio.NewReader(f)))
	if err != nil {
		return nil, fmt.Errorf("export: read %s: %w", path, err)
	}
	return net, nil
}

func readLite(r *msgp.Reader) (*model.ConvNet, error) {
	fields, err := r.ReadMapHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadModelFile, err)
	}
	var arch model.Architecture
	var params []model.Param
	seenFormat := false
	for i := uint32(0); i < fields; i++ {
		key, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadModelFile, err)
		}
		switch key {
		case "format":
			format, err := r.ReadString()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadModelFile, err)
			}
			if format != liteFormat {
				return nil, fmt.Errorf("%w: format %q", ErrBadModelFile, format)
			}
			seenFormat = true
		case "arch":
			if arch, err = readLiteArch(r); err != nil {
				return nil, fmt.Errorf("%w: arch: %v", ErrBadModelFile, err)
			}
		case "tensors":
			n, err := r.ReadArrayHeader()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadModelFile, err)
			}
			for j := uint32(0); j < n; j++ {
				p, err := readLiteTensor(r)
				if err != nil {
					return nil, fmt.Errorf("%w: tensor %d: %v", ErrBadModelFile, j, err)
				}
				params = append(params, p)
			}
		default:
			if err := r.Skip(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadModelFile, err)
			}
		}
	}
	if !seenFormat {
		return nil, fmt.Errorf("%w: missing format", ErrBadModelFile)
	}
	net, err := model.FromParams(arch, params, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadModelFile, err)
	}
	return net, nil
}

func readLiteArch(r *msgp.Reader) (model.Architecture, error) {
	var arch model.Architecture
	n, err := r.ReadArrayHeader()
	if err != nil {
		return arch, err
	}
	if n != 6 {
		return arch, fmt.Errorf("expected 6 fields, got %d", n)
	}
	for _, dst := range []*int{&arch.Side, &arch.Filters, &arch.KernelSize, &arch.PoolSize, &arch.NumClasses} {
		if *dst, err = r.ReadInt(); err != nil {
			return arch, err
		}
	}
	arch.L1, err = r.ReadFloat64()
	return arch, err
}

func readLiteTensor(r *msgp.Reader) (model.Param, error) {
	var p model.Param
	n, err := r.ReadArrayHeader()
	if err != nil {
		return p, err
	}
	if n != 5 {
		return p, fmt.Errorf("expected 5 fields, got %d", n)
	}
	if p.Name, err = r.ReadString(); err != nil {
		return p, err
	}
	size, err := r.ReadInt()
	if err != nil {
		return p, err
	}
	if size < 0 || size > 1<<26 {
		return p, fmt.Errorf("size %d out of range", size)
	}
	sparse, err := r.ReadBool()
	if err != nil {
		return p, err
	}
	deltas, err := r.ReadArrayHeader()
	if err != nil {
		return p, err
	}
	indices := make([]int, 0, deltas)
	pos := 0
	for i := uint32(0); i < deltas; i++ {
		d, err := r.ReadUint()
		if err != nil {
			return p, err
		}
		pos += int(d)
		if pos >= size {
			return p, fmt.Errorf("index %d out of range", pos)
		}
		indices = append(indices, pos)
	}
	count, err := r.ReadArrayHeader()
	if err != nil {
		return p, err
	}
	if sparse && int(count) != len(indices) {
		return p, fmt.Errorf("%d values for %d indices", count, len(indices))
	}
	if !sparse && int(count) != size {
		return p, fmt.Errorf("%d values for size %d", count, size)
	}
	p.Values = make([]float64, size)
	for i := uint32(0); i < count; i++ {
		v, err := r.ReadFloat32()
		if err != nil {
			return p, err
		}
		if sparse {
			p.Values[indices[i]] = float64(v)
		} else {
			p.Values[i] = float64(v)
		}
	}
	return p, nil
}
