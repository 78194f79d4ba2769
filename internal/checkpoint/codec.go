package checkpoint

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Param is one named parameter tensor of a network.
type Param struct {
	Name string
	Dims []int
	Data []float32
}

const (
	codecMagic   = "ADCK"
	codecVersion = uint32(1)
)

// EncodeParams writes the parameters in a compact binary format: a magic header, the version,
// the number of parameters and then for each one its name, dimensions and little-endian float32
// values.
func EncodeParams(w io.Writer, params []Param) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(codecMagic); err != nil {
		return errors.Wrap(err, "failed to write checkpoint header")
	}
	var scratch [binary.MaxVarintLen64]byte
	writeUvarint := func(x uint64) error {
		n := binary.PutUvarint(scratch[:], x)
		_, err := bw.Write(scratch[:n])
		return err
	}
	if err := writeUvarint(uint64(codecVersion)); err != nil {
		return errors.Wrap(err, "failed to write checkpoint version")
	}
	if err := writeUvarint(uint64(len(params))); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}
	var buf [4]byte
	for _, p := range params {
		size := 1
		for _, dim := range p.Dims {
			size *= dim
		}
		if size != len(p.Data) {
			return errors.Errorf("parameter %q has dims %v but %d values", p.Name, p.Dims, len(p.Data))
		}
		if err := writeUvarint(uint64(len(p.Name))); err != nil {
			return errors.Wrapf(err, "failed to write parameter %q", p.Name)
		}
		if _, err := bw.WriteString(p.Name); err != nil {
			return errors.Wrapf(err, "failed to write parameter %q", p.Name)
		}
		if err := writeUvarint(uint64(len(p.Dims))); err != nil {
			return errors.Wrapf(err, "failed to write parameter %q", p.Name)
		}
		for _, dim := range p.Dims {
			if err := writeUvarint(uint64(dim)); err != nil {
				return errors.Wrapf(err, "failed to write parameter %q", p.Name)
			}
		}
		for _, value := range p.Data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(value))
			if _, err := bw.Write(buf[:]); err != nil {
				return errors.Wrapf(err, "failed to write parameter %q", p.Name)
			}
		}
	}
	return errors.Wrap(bw.Flush(), "failed to flush checkpoint")
}

// DecodeParams reads parameters written by EncodeParams.
func DecodeParams(r io.Reader) ([]Param, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(codecMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint header")
	}
	if string(magic) != codecMagic {
		return nil, errors.Errorf("invalid checkpoint header %q", magic)
	}
	version, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint version")
	}
	if uint32(version) != codecVersion {
		return nil, errors.Errorf("unsupported checkpoint version %d (want %d)", version, codecVersion)
	}
	count, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint")
	}
	params := make([]Param, 0, count)
	var buf [4]byte
	for ii := range count {
		nameLen, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read parameter #%d", ii)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(br, name); err != nil {
			return nil, errors.Wrapf(err, "failed to read parameter #%d", ii)
		}
		p := Param{Name: string(name)}
		rank, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read parameter %q", p.Name)
		}
		size := 1
		p.Dims = make([]int, rank)
		for axis := range p.Dims {
			dim, err := binary.ReadUvarint(br)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read parameter %q", p.Name)
			}
			p.Dims[axis] = int(dim)
			size *= int(dim)
		}
		p.Data = make([]float32, size)
		for jj := range p.Data {
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return nil, errors.Wrapf(err, "failed to read values of parameter %q", p.Name)
			}
			p.Data[jj] = math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))
		}
		params = append(params, p)
	}
	return params, nil
}

// FindParam returns the parameter with the given name, or an error if it's missing or if its
// number of values doesn't match size.
func FindParam(params []Param, name string, size int) ([]float32, error) {
	for _, p := range params {
		if p.Name == name {
			if len(p.Data) != size {
				return nil, errors.Errorf("checkpoint parameter %q has %d values, expected %d", name, len(p.Data), size)
			}
			return p.Data, nil
		}
	}
	return nil, errors.Errorf("checkpoint is missing parameter %q", name)
}
