package user

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/labsense/labsense/internal/platform/auth"
)

const (
	SexMale   = "Male"
	SexFemale = "Female"
	SexOther  = "Other"

	// NotSpecified is the default for every lifestyle field.
	NotSpecified = "Not specified"

	MaxAge = 150
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("profile not found")
)

type MedicalHistory struct {
	Allergies   []string `json:"allergies"`
	Conditions  []string `json:"conditions"`
	Medications []string `json:"medications"`
}

type LifestyleInfo struct {
	Diet     string `json:"diet"`
	Exercise string `json:"exercise"`
	Smoking  string `json:"smoking"`
}

// Profile is the editable record a caller keeps about themselves. Age and
// Sex feed the diagnosis prompt.
type Profile struct {
	UserID         string         `json:"user_id"`
	Name           string         `json:"name"`
	Age            *int           `json:"age"`
	Sex            string         `json:"sex"`
	MedicalHistory MedicalHistory `json:"medical_history"`
	LifestyleInfo  LifestyleInfo  `json:"lifestyle_info"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewProfile returns the empty profile of a user who has not saved one.
func NewProfile(userID string) *Profile {
	return &Profile{
		UserID: userID,
		MedicalHistory: MedicalHistory{
			Allergies:   []string{},
			Conditions:  []string{},
			Medications: []string{},
		},
		LifestyleInfo: LifestyleInfo{Diet: NotSpecified, Exercise: NotSpecified, Smoking: NotSpecified},
	}
}

// PromptProfile overlays the stored age and sex on fallback.
func (p *Profile) PromptProfile(fallback auth.Profile) auth.Profile {
	out := fallback
	if p.Age != nil {
		out.Age = strconv.Itoa(*p.Age)
	}
	if p.Sex != "" {
		out.Sex = p.Sex
	}
	return out
}

// UpdateInput is a partial update; nil fields are left unchanged.
type UpdateInput struct {
	Name           *string         `json:"name"`
	Age            *int            `json:"age"`
	Sex            *string         `json:"sex"`
	MedicalHistory *MedicalHistory `json:"medicalHistory"`
	LifestyleInfo  *LifestyleInfo  `json:"lifestyleInfo"`
}

func normalizeSex(s string) (string, bool) {
	for _, v := range []string{SexMale, SexFemale, SexOther} {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return v, true
		}
	}
	return "", false
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

func orNotSpecified(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return NotSpecified
	}
	return s
}

// Apply validates in and writes it onto p. p is unchanged on error.
func (p *Profile) Apply(in UpdateInput) error {
	next := *p
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return fmt.Errorf("%w: name must not be empty", ErrValidation)
		}
		next.Name = name
	}
	if in.Age != nil {
		if *in.Age < 0 || *in.Age > MaxAge {
			return fmt.Errorf("%w: age must be between 0 and %d", ErrValidation, MaxAge)
		}
		age := *in.Age
		next.Age = &age
	}
	if in.Sex != nil {
		sex, ok := normalizeSex(*in.Sex)
		if !ok {
			return fmt.Errorf("%w: sex must be one of %s, %s, %s", ErrValidation, SexMale, SexFemale, SexOther)
		}
		next.Sex = sex
	}
	if in.MedicalHistory != nil {
		next.MedicalHistory = MedicalHistory{
			Allergies:   cleanList(in.MedicalHistory.Allergies),
			Conditions:  cleanList(in.MedicalHistory.Conditions),
			Medications: cleanList(in.MedicalHistory.Medications),
		}
	}
	if in.LifestyleInfo != nil {
		next.LifestyleInfo = LifestyleInfo{
			Diet:     orNotSpecified(in.LifestyleInfo.Diet),
			Exercise: orNotSpecified(in.LifestyleInfo.Exercise),
			Smoking:  orNotSpecified(in.LifestyleInfo.Smoking),
		}
	}
	*p = next
	return nil
}
