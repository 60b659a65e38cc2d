package gateway

import (
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ValidationError is a synchronous rejection: no job or batch record exists
// for a submission that fails validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// acceptedImageTypes are the content types the worker can process.
var acceptedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// SubmitParams are the caller-supplied submission parameters.
type SubmitParams struct {
	Filename    string `validate:"required"`
	Size        int64  `validate:"gt=0"`
	CallbackURL string `validate:"required,url"`
	Priority    int    `validate:"min=1,max=10"`
	UseCache    bool
}

// checkParams runs struct validation and converts the first violation into a
// ValidationError.
func checkParams(params interface{}) error {
	if err := validate.Struct(params); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return &ValidationError{
				Field:   errs[0].Field(),
				Message: fmt.Sprintf("failed %s constraint", errs[0].Tag()),
			}
		}
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

// CheckImage validates the upload payload itself: non-empty, within the size
// cap, and sniffing to an accepted image content type. The sniffed type is
// returned for the job record.
func CheckImage(data []byte, maxSize int64) (string, error) {
	if len(data) == 0 {
		return "", &ValidationError{Field: "file", Message: "file is empty"}
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return "", &ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("file exceeds maximum size of %d bytes", maxSize),
		}
	}

	contentType := http.DetectContentType(data)
	if !acceptedImageTypes[contentType] {
		return "", &ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("unsupported content type %s (accepted: jpeg, png, webp, gif)", contentType),
		}
	}
	return contentType, nil
}
