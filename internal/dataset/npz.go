package dataset

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/sbinet/npyio/npy"
)

// Array names inside the preprocessed archives.
const (
	ImagesKey  = "images"
	TargetsKey = "targets"
)

// Array is a decoded numpy array flattened to float64 in C order.
type Array struct {
	Shape []int
	Data  []float64
}

// LoadNPZ reads the train archive and, when validPath is non-empty, the validation
// archive used as the test partition.
func LoadNPZ(trainPath, validPath string) (Split, error) {
	train, err := ReadNPZSet(trainPath)
	if err != nil {
		return Split{}, err
	}
	split := Split{Train: train}
	if validPath != "" {
		test, err := ReadNPZSet(validPath)
		if err != nil {
			return Split{}, err
		}
		split.Test = test
	}
	return split, nil
}

// ReadNPZSet reads the images and targets arrays from one archive.
func ReadNPZSet(path string) (Set, error) {
	arrays, err := ReadNPZ(path, ImagesKey, TargetsKey)
	if err != nil {
		return Set{}, err
	}
	images, err := imagesFromArray(arrays[ImagesKey])
	if err != nil {
		return Set{}, fmt.Errorf("%s: %w", path, err)
	}
	labels, err := labelsFromArray(arrays[TargetsKey])
	if err != nil {
		return Set{}, fmt.Errorf("%s: %w", path, err)
	}
	set := Set{Images: images, Labels: labels}
	if err := set.Validate(); err != nil {
		return Set{}, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// ReadNPZ decodes the named arrays from a .npz archive. Every name must be present.
func ReadNPZ(path string, names ...string) (map[string]Array, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer zr.Close()

	members := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		members[strings.TrimSuffix(f.Name, ".npy")] = f
	}

	out := make(map[string]Array, len(names))
	for _, name := range names {
		f, ok := members[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no array %q", ErrMalformedArchive, path, name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in %s: %w", name, path, err)
		}
		arr, err := ReadNPY(rc, int64(f.UncompressedSize64))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s in %s: %w", name, path, err)
		}
		out[name] = arr
	}
	return out, nil
}

// maxArrayElements bounds a single decoded array; larger shapes are rejected
// before anything is allocated.
const maxArrayElements = 1 << 28

// ReadNPY decodes a single .npy stream. When limit is positive the header's
// shape may not describe more than limit payload bytes.
func ReadNPY(r io.Reader, limit int64) (Array, error) {
	rd, err := npy.NewReader(r)
	if err != nil {
		return Array{}, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	descr := rd.Header.Descr
	if descr.Fortran {
		return Array{}, fmt.Errorf("%w: fortran order arrays are not supported", ErrMalformedArchive)
	}
	kind := strings.TrimLeft(descr.Type, "<>|=")
	size, ok := dtypeSizes[kind]
	if !ok {
		return Array{}, fmt.Errorf("%w: unsupported dtype %q", ErrMalformedArchive, descr.Type)
	}
	count, err := elementCount(descr.Shape)
	if err != nil {
		return Array{}, err
	}
	if limit > 0 && int64(count)*int64(size) > limit {
		return Array{}, fmt.Errorf("%w: shape %v needs %d bytes, payload has %d", ErrMalformedArchive, descr.Shape, int64(count)*int64(size), limit)
	}

	var data []float64
	switch kind {
	case "b1":
		data, err = readBools(rd)
	case "u1":
		data, err = readNumbers[uint8](rd)
	case "i1":
		data, err = readNumbers[int8](rd)
	case "u2":
		data, err = readNumbers[uint16](rd)
	case "i2":
		data, err = readNumbers[int16](rd)
	case "u4":
		data, err = readNumbers[uint32](rd)
	case "i4":
		data, err = readNumbers[int32](rd)
	case "u8":
		data, err = readNumbers[uint64](rd)
	case "i8":
		data, err = readNumbers[int64](rd)
	case "f4":
		data, err = readNumbers[float32](rd)
	case "f8":
		data, err = readNumbers[float64](rd)
	}
	if err != nil {
		return Array{}, fmt.Errorf("%w: read %d values: %v", ErrMalformedArchive, count, err)
	}
	if len(data) != count {
		return Array{}, fmt.Errorf("%w: shape %v holds %d values, got %d", ErrMalformedArchive, descr.Shape, count, len(data))
	}
	return Array{Shape: append([]int(nil), descr.Shape...), Data: data}, nil
}

var dtypeSizes = map[string]int{
	"b1": 1, "u1": 1, "i1": 1,
	"u2": 2, "i2": 2,
	"u4": 4, "i4": 4, "f4": 4,
	"u8": 8, "i8": 8, "f8": 8,
}

// elementCount multiplies the dimensions, failing on negative sizes and on
// products above maxArrayElements.
func elementCount(shape []int) (int, error) {
	count := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in shape %v", ErrMalformedArchive, shape)
		}
		if d != 0 && count > maxArrayElements/d {
			return 0, fmt.Errorf("%w: shape %v exceeds %d elements", ErrMalformedArchive, shape, maxArrayElements)
		}
		count *= d
	}
	return count, nil
}

type number interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64 | ~float32 | ~float64
}

func readNumbers[T number](rd *npy.Reader) ([]float64, error) {
	var raw []T
	if err := rd.Read(&raw); err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = float64(v)
	}
	return out, nil
}

func readBools(rd *npy.Reader) ([]float64, error) {
	var raw []bool
	if err := rd.Read(&raw); err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		if v {
			out[i] = 1
		}
	}
	return out, nil
}

func imagesFromArray(a Array) ([][]float64, error) {
	if len(a.Shape) != 3 || a.Shape[1] != Side || a.Shape[2] != Side {
		return nil, fmt.Errorf("%w: images shape %v, want (n, %d, %d)", ErrShapeMismatch, a.Shape, Side, Side)
	}
	images := make([][]float64, a.Shape[0])
	for i := range images {
		images[i] = a.Data[i*Pixels : (i+1)*Pixels : (i+1)*Pixels]
	}
	return images, nil
}

func labelsFromArray(a Array) ([]int, error) {
	if len(a.Shape) == 0 || len(a.Shape) > 2 || (len(a.Shape) == 2 && a.Shape[1] != 1) {
		return nil, fmt.Errorf("%w: targets shape %v, want (n,) or (n, 1)", ErrShapeMismatch, a.Shape)
	}
	labels := make([]int, len(a.Data))
	for i, v := range a.Data {
		if v != math.Trunc(v) || v < 0 {
			return nil, fmt.Errorf("%w: target %d is not a class id (%g)", ErrMalformedArchive, i, v)
		}
		labels[i] = int(v)
	}
	return labels, nil
}
