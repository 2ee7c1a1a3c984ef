package visualization

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"mrisrr/internal/models"
)

// ErrInvalidAxis is returned for an axis name other than x, y or z.
var ErrInvalidAxis = errors.New("invalid axis")

// Viewer renders orthogonal slices of a reconstructed volume and exports
// the volume for external viewers.
type Viewer struct {
	volume *models.Image

	// window maps intensities in [0, window] onto the full 16-bit range
	window float64
}

// NewViewer wraps a volume. Intensities are windowed to the volume maximum.
func NewViewer(volume *models.Image) (*Viewer, error) {
	if err := volume.Validate(); err != nil {
		return nil, err
	}
	window := volume.Max()
	if !(window > 0) || math.IsInf(window, 0) {
		window = 1
	}
	return &Viewer{volume: volume, window: window}, nil
}

// SetWindow overrides the intensity mapped to white.
func (v *Viewer) SetWindow(window float64) error {
	if !(window > 0) || math.IsInf(window, 0) {
		return fmt.Errorf("window must be positive and finite, got %g", window)
	}
	v.window = window
	return nil
}

func (v *Viewer) gray(value float64) color.Gray16 {
	scaled := math.Max(0, math.Min(1, value/v.window))
	return color.Gray16{Y: uint16(math.Round(scaled * 65535))}
}

func (v *Viewer) axisLength(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return v.volume.Size[0], nil
	case "y":
		return v.volume.Size[1], nil
	case "z":
		return v.volume.Size[2], nil
	}
	return 0, fmt.Errorf("%w: %s (must be x, y, or z)", ErrInvalidAxis, axis)
}

// ExtractSlice extracts the voxel plane at position along axis. An x slice
// is laid out with z across and y down, a y slice with x across and z down,
// and a z slice with x across and y down.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	n, err := v.axisLength(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, n, axis)
	}

	nx, ny, nz := v.volume.Size[0], v.volume.Size[1], v.volume.Size[2]
	var img *image.Gray16
	switch strings.ToLower(axis) {
	case "x":
		img = image.NewGray16(image.Rect(0, 0, nz, ny))
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				img.SetGray16(z, y, v.gray(v.volume.At(position, y, z)))
			}
		}
	case "y":
		img = image.NewGray16(image.Rect(0, 0, nx, nz))
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, z, v.gray(v.volume.At(x, position, z)))
			}
		}
	default:
		img = image.NewGray16(image.Rect(0, 0, nx, ny))
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, y, v.gray(v.volume.At(x, y, position)))
			}
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	n, err := v.axisLength(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", strings.ToLower(axis), pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// RawHeader is the YAML sidecar written next to a raw volume.
type RawHeader struct {
	Size      [3]int     `yaml:"size"`
	Spacing   [3]float64 `yaml:"spacing"`
	Origin    [3]float64 `yaml:"origin"`
	Direction [9]float64 `yaml:"direction"`
	DataType  string     `yaml:"dataType"`
	ByteOrder string     `yaml:"byteOrder"`
}

const (
	rawDataType  = "float64"
	rawByteOrder = "little"
)

// SaveRaw writes the volume to base+".raw" as little-endian float64 in
// raster order and its geometry to base+".yaml".
func (v *Viewer) SaveRaw(base string) error {
	g := v.volume.Geometry
	header := RawHeader{
		Size:      g.Size,
		Spacing:   g.Spacing,
		Origin:    g.Origin,
		Direction: g.Direction,
		DataType:  rawDataType,
		ByteOrder: rawByteOrder,
	}
	meta, err := yaml.Marshal(&header)
	if err != nil {
		return fmt.Errorf("failed to marshal raw header: %w", err)
	}
	if err := os.WriteFile(base+".yaml", meta, 0644); err != nil {
		return fmt.Errorf("failed to write raw header: %w", err)
	}

	file, err := os.Create(base + ".raw")
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	if err := binary.Write(w, binary.LittleEndian, v.volume.Data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write raw volume: %w", err)
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// LoadRaw reads a volume written by SaveRaw.
func LoadRaw(base string) (*models.Image, error) {
	meta, err := os.ReadFile(base + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read raw header: %w", err)
	}
	var header RawHeader
	if err := yaml.Unmarshal(meta, &header); err != nil {
		return nil, fmt.Errorf("failed to parse raw header: %w", err)
	}
	if header.DataType != rawDataType || header.ByteOrder != rawByteOrder {
		return nil, fmt.Errorf("unsupported raw encoding %s/%s", header.DataType, header.ByteOrder)
	}

	g := models.Geometry{
		Size:      header.Size,
		Spacing:   header.Spacing,
		Origin:    header.Origin,
		Direction: header.Direction,
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	file, err := os.Open(base + ".raw")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img := models.NewImage(g)
	if err := binary.Read(bufio.NewReader(file), binary.LittleEndian, img.Data); err != nil {
		return nil, fmt.Errorf("failed to read raw volume: %w", err)
	}
	return img, nil
}
