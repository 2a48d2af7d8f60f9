// Package stimulus names the face images shown in the study, recovers the
// design factors encoded in each file name and lays them out into blocks.
//
// File names follow <SEX>.<face>_<height><attract>.<ext>, for example
// "M.F.1_2.3.png" is male face 1, average height, very unattractive.
package stimulus

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Sex tags used in file names.
const (
	TagMale   = "M.F"
	TagFemale = "F.F"
)

// Block labels.
const (
	Male   = "Male"
	Female = "Female"
)

// HeightCodes in presentation order: 1=Tall, 2=Average, 3=Short.
var HeightCodes = []string{"1", "2", "3"}

// AttractCodes in presentation order: ""=Attractive, .2=LessAttractive,
// .3=VeryUnattractive.
var AttractCodes = []string{"", ".2", ".3"}

var ErrInvalidScheme = errors.New("stimulus: invalid scheme")

// Scheme describes the image set on disk.
type Scheme struct {
	FacesPerSex int    `toml:"faces_per_sex" json:"faces_per_sex" yaml:"faces_per_sex"`
	Ext         string `toml:"ext" json:"ext" yaml:"ext"`
	Dir         string `toml:"dir" json:"dir" yaml:"dir"`
}

// DefaultScheme returns the scheme of the pilot image set.
func DefaultScheme() Scheme {
	return Scheme{
		FacesPerSex: 1,
		Ext:         ".png",
		Dir:         "all_images",
	}
}

// Validate checks the scheme.
func (s Scheme) Validate() error {
	if s.FacesPerSex < 1 {
		return fmt.Errorf("%w: faces_per_sex must be at least 1", ErrInvalidScheme)
	}
	switch strings.ToLower(s.Ext) {
	case ".png", ".jpg", ".jpeg":
	default:
		return fmt.Errorf("%w: unsupported extension %q", ErrInvalidScheme, s.Ext)
	}
	return nil
}

// BuildFiles lists the file names for one sex tag: faces, then heights,
// then attractiveness levels.
func BuildFiles(s Scheme, sexTag string) []string {
	files := make([]string, 0, s.FacesPerSex*len(HeightCodes)*len(AttractCodes))
	for face := 1; face <= s.FacesPerSex; face++ {
		for _, h := range HeightCodes {
			for _, a := range AttractCodes {
				files = append(files, fmt.Sprintf("%s.%d_%s%s%s", sexTag, face, h, a, s.Ext))
			}
		}
	}
	return files
}

// Paths returns BuildFiles joined onto the scheme directory.
func Paths(s Scheme, sexTag string) []string {
	files := BuildFiles(s, sexTag)
	for i, f := range files {
		files[i] = path.Join(s.Dir, f)
	}
	return files
}

// Meta is the design information carried by a file name. The zero Meta is
// returned for names that do not follow the scheme.
type Meta struct {
	Sex          string `json:"sex,omitempty"`
	FaceID       int    `json:"face_id,omitempty"`
	HeightCode   string `json:"height_code,omitempty"`
	HeightLabel  string `json:"height_label,omitempty"`
	AttractCode  string `json:"attract_code,omitempty"`
	AttractLabel string `json:"attract_label,omitempty"`
}

// Valid reports whether m was parsed from a conforming name.
func (m Meta) Valid() bool { return m.Sex != "" }

var metaPattern = regexp.MustCompile(`(?i)^([FM]\.F)\.(\d+)_([123])(?:\.([23]))?\.(png|jpg|jpeg)$`)

// ParseMeta extracts Meta from an image path. Only the base name is used.
func ParseMeta(p string) Meta {
	m := metaPattern.FindStringSubmatch(path.Base(p))
	if m == nil {
		return Meta{}
	}
	face, err := strconv.Atoi(m[2])
	if err != nil {
		return Meta{}
	}

	meta := Meta{
		Sex:          Male,
		FaceID:       face,
		HeightCode:   m[3],
		HeightLabel:  heightLabel(m[3]),
		AttractCode:  m[4],
		AttractLabel: attractLabel(m[4]),
	}
	if strings.EqualFold(m[1], TagFemale) {
		meta.Sex = Female
	}
	return meta
}

func heightLabel(code string) string {
	switch code {
	case "1":
		return "Tall"
	case "2":
		return "Average"
	default:
		return "Short"
	}
}

func attractLabel(code string) string {
	switch code {
	case "":
		return "Attractive"
	case "2":
		return "LessAttractive"
	default:
		return "VeryUnattractive"
	}
}
