package steps

import (
	"errors"
	"mime"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/owldock/casework-backend/internal/identity"
	"github.com/owldock/casework-backend/pkg/models"
)

// loadStepForViewer fetches a step with its case and active contract and
// applies the visibility rules. A missing step is 404; an existing step the
// viewer may not see is 403 (the unfiltered load above is the secondary
// existence check the 404/403 split depends on).
func (h *Handler) loadStepForViewer(c *fiber.Ctx, stepID uuid.UUID, viewer identity.Role) (models.CaseStep, models.Case, *models.Contract, error) {
	var step models.CaseStep
	if err := h.caseDB.First(&step, "id = ?", stepID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return step, models.Case{}, nil, fiber.ErrNotFound
		}
		return step, models.Case{}, nil, fiber.ErrInternalServerError
	}
	var cs models.Case
	if err := h.caseDB.First(&cs, "id = ?", step.CaseID).Error; err != nil {
		return step, cs, nil, fiber.ErrInternalServerError
	}
	var contract *models.Contract
	if step.ActiveContractID != nil {
		var ct models.Contract
		if err := h.caseDB.First(&ct, "id = ?", *step.ActiveContractID).Error; err == nil {
			contract = &ct
		}
	}
	if !Visible(cs, step, contract, viewer) {
		return step, cs, contract, fiber.ErrForbidden
	}
	return step, cs, contract, nil
}

// Upload Step Files godoc
// @Summary      Upload step files (PDF/PNG)
// @Description  Case owner or the contracted provider uploads up to 10 files
// @Tags         files
// @Security     BearerAuth
// @Accept       multipart/form-data
// @Produce      json
// @Param        id     path      string   true  "step id (uuid)"
// @Param        files  formData  []file   true  "PDF/PNG (max 10)"
// @Success      201    {object}  map[string]any
// @Failure      400    {object}  models.ErrorResponse
// @Failure      403    {object}  models.ErrorResponse
// @Router       /steps/{id}/files [post]
func (h *Handler) UploadFiles(c *fiber.Ctx) error {
	viewer := identity.MustRole(c)
	stepID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid step id")
	}

	step, _, _, loadErr := h.loadStepForViewer(c, stepID, viewer)
	if loadErr != nil {
		return loadErr
	}

	form, err := c.MultipartForm()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "multipart form required; use files[]")
	}
	files := form.File["files[]"]
	if len(files) == 0 {
		files = form.File["files"]
	}
	if len(files) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "files are required (use key: files[])")
	}
	if len(files) > 10 {
		return fiber.NewError(fiber.StatusBadRequest, "max 10 files allowed")
	}

	results := make([]fiber.Map, 0, len(files))

	for _, fh := range files {
		res := fiber.Map{
			"name": fh.Filename,
			"size": fh.Size,
		}

		if fh.Size <= 0 {
			res["error"] = "empty file"
			results = append(results, res)
			continue
		}
		if fh.Size > 10*1024*1024 {
			res["error"] = "max 10MB per file"
			results = append(results, res)
			continue
		}

		ct := fh.Header.Get("Content-Type")
		if ct == "" {
			ct = mime.TypeByExtension(filepath.Ext(fh.Filename))
		}
		switch ct {
		case "application/pdf", "image/png":
			// ok
		default:
			res["error"] = "only PDF or PNG are allowed"
			results = append(results, res)
			continue
		}

		f, err := fh.Open()
		if err != nil {
			res["error"] = "open failed"
			results = append(results, res)
			continue
		}
		defer f.Close()

		// sb is nil in tests; record the key without remote storage.
		key := "step/" + step.ID.String() + "/" + fh.Filename
		if h.sb != nil {
			key = h.sb.MakeObjectKey(step.ID.String(), fh.Filename)
			if err := h.sb.Upload(key, f, ct, fh.Size); err != nil {
				res["error"] = "upload failed"
				results = append(results, res)
				continue
			}
		}

		rec := models.StepFile{
			CaseStepID:   step.ID,
			Key:          key,
			Mime:         ct,
			Size:         int(fh.Size),
			OriginalName: fh.Filename,
			UploaderID:   viewer.PrincipalID,
			UploaderRole: string(viewer.Kind),
		}
		if err := h.caseDB.Create(&rec).Error; err != nil {
			res["error"] = "database error"
			results = append(results, res)
			continue
		}

		res["id"] = rec.ID
		res["key"] = rec.Key
		results = append(results, res)
	}

	// 201 even when some items failed; callers check per-item "error".
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"results": results})
}

// Signed Download URL godoc
// @Summary      Get signed URL
// @Description  Case owner or the contracted provider obtains a short-lived signed URL
// @Tags         files
// @Security     BearerAuth
// @Produce      json
// @Param        fileID  path string true "file id (uuid)"
// @Success      200  {object}  map[string]any  "url, expires_in, now"
// @Failure      403  {object}  models.ErrorResponse
// @Failure      404  {object}  models.ErrorResponse
// @Router       /files/{fileID}/signed-url [get]
func (h *Handler) SignedDownloadURL(c *fiber.Ctx) error {
	viewer := identity.MustRole(c)
	fileID, err := uuid.Parse(c.Params("fileID"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid file id")
	}

	var sf models.StepFile
	if err := h.caseDB.First(&sf, "id = ?", fileID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrNotFound
		}
		return fiber.ErrInternalServerError
	}

	if _, _, _, loadErr := h.loadStepForViewer(c, sf.CaseStepID, viewer); loadErr != nil {
		return loadErr
	}

	// sb is nil in tests; hand back a deterministic placeholder.
	url := "local://" + sf.Key
	if h.sb != nil {
		signed, err := h.sb.SignedURL(sf.Key, 60) // seconds
		if err != nil {
			return fiber.ErrInternalServerError
		}
		url = signed
	}
	return c.JSON(fiber.Map{"url": url, "expires_in": 60, "now": time.Now().UTC()})
}

// Delete Step File godoc
// @Summary      Delete a step file
// @Description  The original uploader removes a file they attached
// @Tags         files
// @Security     BearerAuth
// @Produce      json
// @Param        fileID  path string true "file id (uuid)"
// @Success      200  {object}  map[string]any
// @Failure      403  {object}  models.ErrorResponse
// @Failure      404  {object}  models.ErrorResponse
// @Router       /files/{fileID} [delete]
func (h *Handler) DeleteFile(c *fiber.Ctx) error {
	viewer := identity.MustRole(c)
	fileID, err := uuid.Parse(c.Params("fileID"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid file id")
	}

	var sf models.StepFile
	if err := h.caseDB.First(&sf, "id = ?", fileID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrNotFound
		}
		return fiber.ErrInternalServerError
	}

	if _, _, _, loadErr := h.loadStepForViewer(c, sf.CaseStepID, viewer); loadErr != nil {
		return loadErr
	}
	// Only the uploader (or an admin) removes a file.
	if !viewer.IsAdmin() && sf.UploaderID != viewer.PrincipalID {
		return fiber.ErrForbidden
	}

	if h.sb != nil {
		if err := h.sb.Delete(sf.Key); err != nil {
			return fiber.ErrInternalServerError
		}
	}
	if err := h.caseDB.Delete(&models.StepFile{}, "id = ?", fileID).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"deleted": fileID})
}
