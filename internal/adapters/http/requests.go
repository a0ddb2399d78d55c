package httpadapter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

const maxIngestImages = 50

type imagePayload struct {
	DataURL string `json:"dataUrl" validate:"required,startswith=data:image/"`
}

type ingestRequest struct {
	UploadID  string         `json:"uploadId" validate:"required,uuid"`
	Store     string         `json:"store" validate:"required,store"`
	Images    []imagePayload `json:"images" validate:"required,min=1,max=50,dive"`
	AuthToken string         `json:"authToken,omitempty"`
}

type ingestResponse struct {
	Success       bool               `json:"success"`
	ProductsFound int                `json:"productsFound"`
	Products      []domain.Candidate `json:"products"`
}

type matchRequest struct {
	RawName string `json:"rawName" validate:"required,max=500"`
	Store   string `json:"store" validate:"omitempty,max=64"`
	UseAI   bool   `json:"useAI"`
}

type uploadView struct {
	*domain.Upload
	DocumentURL string `json:"document_url,omitempty"`
}

// retryResponse reports the upload as it is when the event is queued; the
// worker moves it to processing.
type retryResponse struct {
	ID     string              `json:"id"`
	Status domain.UploadStatus `json:"status"`
	Queued bool                `json:"queued"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("store", func(fl validator.FieldLevel) bool {
		_, ok := domain.ParseStore(fl.Field().String())
		return ok
	})
	return v
}

// validateStruct converts validator failures into a readable ErrInvalidInput.
func (rt *Router) validateStruct(operation string, req any) error {
	err := rt.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domain.WrapError(domain.ErrInvalidInput, operation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return domain.WrapError(domain.ErrInvalidInput, operation, errors.New(strings.Join(msgs, "; ")))
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "uuid":
		return field + " must be a uuid"
	case "store":
		return fmt.Sprintf("%s must be one of %v", field, domain.KnownStores())
	case "min", "max":
		return fmt.Sprintf("%s violates %s=%s", field, fe.Tag(), fe.Param())
	case "startswith":
		return field + " must be an inline image data url"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// decodeImages parses data URLs and enforces the per-image size limit.
func (rt *Router) decodeImages(payloads []imagePayload) ([]domain.PageImage, error) {
	images := make([]domain.PageImage, 0, len(payloads))
	for i, p := range payloads {
		if estimated := base64DecodedLen(p.DataURL); estimated > rt.maxImageBytes {
			return nil, domain.WrapError(domain.ErrInvalidInput, "decode images",
				fmt.Errorf("image %d exceeds %d bytes", i+1, rt.maxImageBytes))
		}
		img, err := domain.ParseDataURL(i+1, p.DataURL)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "decode images", err)
		}
		images = append(images, img)
	}
	return images, nil
}

func base64DecodedLen(dataURL string) int {
	_, payload, ok := strings.Cut(dataURL, ",")
	if !ok {
		return 0
	}
	return len(payload) * 3 / 4
}
