package domain

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Media describes an outbound attachment. The file itself lives behind URL.
type Media struct {
	Kind     MessageKind `json:"kind" validate:"required,oneof=image audio video document"`
	URL      string      `json:"url" validate:"required,url"`
	Caption  string      `json:"caption,omitempty" validate:"max=1024"`
	FileName string      `json:"fileName,omitempty" validate:"max=255"`
	MimeType string      `json:"mimeType,omitempty"`
	Size     int64       `json:"size,omitempty" validate:"gte=0"`
}

const mb = 1 << 20

var mediaLimits = map[MessageKind]struct {
	maxSize int64
	mimes   []string
}{
	KindImage:    {5 * mb, []string{"image/jpeg", "image/png", "image/webp"}},
	KindAudio:    {16 * mb, []string{"audio/aac", "audio/mp4", "audio/mpeg", "audio/amr", "audio/ogg"}},
	KindVideo:    {16 * mb, []string{"video/mp4", "video/3gpp"}},
	KindDocument: {100 * mb, nil},
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator exposes the shared validator instance for request structs.
func Validator() *validator.Validate { return validate }

// ValidateStruct runs struct tags and reports failures as ErrValidation.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return NewError(CodeValidation, "field %s failed %q", fe.Namespace(), fe.Tag())
		}
		return NewError(CodeValidation, "%v", err)
	}
	return nil
}

// Validate rejects unsupported media before anything is queued.
func (m Media) Validate() error {
	if err := ValidateStruct(m); err != nil {
		return err
	}
	lim := mediaLimits[m.Kind]
	if m.Size > lim.maxSize {
		return NewError(CodeValidation, "%s exceeds %d MB", m.Kind, lim.maxSize/mb)
	}
	if m.MimeType == "" || lim.mimes == nil {
		return nil
	}
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(m.MimeType, ";", 2)[0]))
	for _, allowed := range lim.mimes {
		if mime == allowed {
			return nil
		}
	}
	return NewError(CodeValidation, "%s does not accept %s", m.Kind, mime)
}
