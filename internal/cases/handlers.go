package cases

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/owldock/casework-backend/internal/identity"
	"github.com/owldock/casework-backend/internal/xref"
	"github.com/owldock/casework-backend/pkg/models"
	"github.com/owldock/casework-backend/pkg/sanitize"
	"github.com/owldock/casework-backend/pkg/validation"
)

/* ===== DTOs ===== */

type CreateCaseRequest struct {
	ApplicantID string `json:"applicant_id" validate:"required,uuid4"`
	RouteID     string `json:"route_id" validate:"required,uuid4"`
	Description string `json:"description" validate:"max=2000"`
}

type contractView struct {
	ID                uuid.UUID  `json:"id"`
	ProviderContactID uuid.UUID  `json:"provider_contact_id"`
	Provider          string     `json:"provider,omitempty"`
	AcceptedAt        *time.Time `json:"accepted_at"`
	RejectedAt        *time.Time `json:"rejected_at"`
}

type stepView struct {
	ID             uuid.UUID         `json:"id"`
	SequenceNumber int               `json:"sequence_number"`
	ProcessStep    string            `json:"process_step"`
	State          models.StepState  `json:"state"`
	Contract       *contractView     `json:"contract,omitempty"`
	Files          []models.StepFile `json:"files"`
}

type caseDetail struct {
	ID          uuid.UUID  `json:"id"`
	Applicant   string     `json:"applicant"`
	Route       string     `json:"route"`
	Description string     `json:"description"`
	IsOfferable bool       `json:"is_offerable"`
	CreatedAt   time.Time  `json:"created_at"`
	Steps       []stepView `json:"steps"`
}

type Handler struct {
	caseDB  *gorm.DB
	catalog *gorm.DB
}

func NewHandler(caseDB, catalog *gorm.DB) *Handler {
	return &Handler{caseDB: caseDB, catalog: catalog}
}

func parsePage(c *fiber.Ctx) (page, size int) {
	page, _ = strconv.Atoi(c.Query("page", "1"))
	size, _ = strconv.Atoi(c.Query("pageSize", "10"))
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 50 {
		size = 10
	}
	return
}

// Create Case godoc
// @Summary      Create case
// @Description  Client contact opens a case for an applicant on a route; the route's process steps are materialized as free case steps
// @Tags         cases
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body  CreateCaseRequest  true  "Case payload"
// @Success      201  {object}  map[string]string  "id"
// @Failure      400  {object}  models.ValidationErrorResponse
// @Failure      403  {object}  models.ErrorResponse
// @Router       /cases [post]
func (h *Handler) Create(c *fiber.Ctx) error {
	actor := identity.MustRole(c)
	if !actor.IsClientContact() {
		return fiber.ErrForbidden
	}

	var in CreateCaseRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	applicantID, _ := uuid.Parse(in.ApplicantID)
	routeID, _ := uuid.Parse(in.RouteID)

	// Both references live in the catalog partition; validate them before
	// anything lands in the case partition.
	resolver := xref.NewResolver(h.catalog)
	applicant, err := resolver.Applicant(c.Context(), applicantID)
	if err != nil {
		if errors.Is(err, xref.ErrDangling) {
			return fiber.NewError(fiber.StatusBadRequest, "unknown applicant")
		}
		return fiber.ErrInternalServerError
	}
	if applicant.ClientID != actor.ClientID {
		return fiber.ErrForbidden
	}
	if _, err := resolver.Route(c.Context(), routeID); err != nil {
		if errors.Is(err, xref.ErrDangling) {
			return fiber.NewError(fiber.StatusBadRequest, "unknown route")
		}
		return fiber.ErrInternalServerError
	}

	var defs []models.ProcessStep
	if err := h.catalog.Where("route_id = ?", routeID).
		Order("sequence ASC").Find(&defs).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	if len(defs) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "route has no process steps")
	}

	cs := models.Case{
		ClientContactID: actor.ClientContactID,
		ApplicantID:     applicantID,
		RouteID:         routeID,
		Description:     strings.TrimSpace(in.Description),
	}
	err = h.caseDB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&cs).Error; err != nil {
			return err
		}
		for i, def := range defs {
			step := models.CaseStep{
				CaseID:         cs.ID,
				SequenceNumber: i + 1,
				ProcessStepID:  def.ID,
				State:          models.StepFree,
			}
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fiber.ErrInternalServerError
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": cs.ID})
}

type caseWithCounts struct {
	ID            uuid.UUID `json:"id"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
	StepsTotal    int64     `json:"steps_total"`
	StepsComplete int64     `json:"steps_complete"`
}

// List My Cases godoc
// @Summary      List my cases
// @Description  Client contact lists their own cases (paginated) with step counts
// @Tags         cases
// @Security     BearerAuth
// @Produce      json
// @Param        page      query int false "page"
// @Param        pageSize  query int false "pageSize"
// @Success      200  {object}  map[string]any
// @Failure      401  {object}  models.ErrorResponse
// @Router       /cases/mine [get]
func (h *Handler) ListMine(c *fiber.Ctx) error {
	actor := identity.MustRole(c)
	if !actor.IsClientContact() {
		return fiber.ErrForbidden
	}
	page, size := parsePage(c)

	var total int64
	if err := h.caseDB.Model(&models.Case{}).
		Where("client_contact_id = ?", actor.ClientContactID).
		Count(&total).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	rows := make([]caseWithCounts, 0, size)
	if err := h.caseDB.
		Table("cases").
		Select(`cases.id, cases.description, cases.created_at,
          COUNT(case_steps.id) AS steps_total,
          COUNT(case_steps.id) FILTER (WHERE case_steps.state = 'complete') AS steps_complete`).
		Joins("LEFT JOIN case_steps ON case_steps.case_id = cases.id").
		Where("cases.client_contact_id = ?", actor.ClientContactID).
		Group("cases.id").
		Order("cases.created_at DESC").
		Offset((page - 1) * size).Limit(size).
		Scan(&rows).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	return c.JSON(fiber.Map{
		"page": page, "pageSize": size, "total": total,
		"pages": int(math.Ceil(float64(total) / float64(size))),
		"items": rows,
	})
}

// Get case detail
// @Summary      Case detail
// @Description  Case with the steps visible to the viewer
// @Tags         cases
// @Security     BearerAuth
// @Produce      json
// @Param        id   path string true "case id (uuid)"
// @Success      200  {object}  caseDetail
// @Failure      403  {object}  models.ErrorResponse
// @Failure      404  {object}  models.ErrorResponse
// @Router       /cases/{id} [get]
func (h *Handler) GetDetail(c *fiber.Ctx) error {
	viewer := identity.MustRole(c)
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid case id")
	}

	// Unfiltered load first: "does not exist" and "exists but not yours"
	// must stay distinguishable.
	var cs models.Case
	if err := h.caseDB.First(&cs, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrNotFound
		}
		return fiber.ErrInternalServerError
	}

	var stepRows []models.CaseStep
	if err := h.caseDB.Where("case_id = ?", cs.ID).
		Order("sequence_number ASC").
		Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Find(&stepRows).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	contractIDs := make([]uuid.UUID, 0, len(stepRows))
	for _, s := range stepRows {
		if s.ActiveContractID != nil {
			contractIDs = append(contractIDs, *s.ActiveContractID)
		}
	}
	contracts := map[uuid.UUID]models.Contract{}
	var contractRows []models.Contract
	if len(contractIDs) > 0 {
		if err := h.caseDB.Where("id IN ?", contractIDs).Find(&contractRows).Error; err != nil {
			return fiber.ErrInternalServerError
		}
		for _, ct := range contractRows {
			contracts[ct.ID] = ct
		}
	}

	visible := VisibleSteps(cs, stepRows, contracts, viewer)
	owner := viewer.IsClientContact() && cs.ClientContactID == viewer.ClientContactID
	if !viewer.IsAdmin() && !owner && len(visible) == 0 {
		// Exists, but the viewer has no stake in it.
		return fiber.ErrForbidden
	}

	// Providers see the narrative unredacted only once they hold an
	// accepted contract on one of the visible steps.
	description := cs.Description
	if viewer.IsProviderContact() {
		accepted := false
		for _, s := range visible {
			if s.ActiveContractID == nil {
				continue
			}
			if ct, ok := contracts[*s.ActiveContractID]; ok &&
				ct.ProviderContactID == viewer.ProviderContactID && ct.AcceptedAt != nil {
				accepted = true
				break
			}
		}
		if !accepted {
			description = sanitize.RedactPII(description)
		}
	}

	// Fixed query budget: one catalog round-trip per referenced kind.
	resolver := xref.NewResolver(h.catalog)
	if err := resolver.PreloadSteps(c.Context(), visible, contractRows); err != nil {
		return fiber.ErrInternalServerError
	}
	applicant, err := resolver.Applicant(c.Context(), cs.ApplicantID)
	if err != nil {
		return fiber.ErrInternalServerError
	}
	route, err := resolver.Route(c.Context(), cs.RouteID)
	if err != nil {
		return fiber.ErrInternalServerError
	}

	views := make([]stepView, 0, len(visible))
	for _, s := range visible {
		def, err := resolver.ProcessStep(c.Context(), s.ProcessStepID)
		if err != nil {
			// Dangling definition: integrity fault, not a user error.
			return fiber.ErrInternalServerError
		}
		v := stepView{
			ID:             s.ID,
			SequenceNumber: s.SequenceNumber,
			ProcessStep:    def.Name,
			State:          s.State,
			Files:          s.Files,
		}
		if v.Files == nil {
			v.Files = []models.StepFile{}
		}
		if s.ActiveContractID != nil {
			if ct, ok := contracts[*s.ActiveContractID]; ok {
				contact, err := resolver.ProviderContact(c.Context(), ct.ProviderContactID)
				if err != nil {
					// A step pointing at a deleted provider contact must be
					// reported, not silently dropped.
					return fiber.ErrInternalServerError
				}
				cv := &contractView{
					ID:                ct.ID,
					ProviderContactID: ct.ProviderContactID,
					AcceptedAt:        ct.AcceptedAt,
					RejectedAt:        ct.RejectedAt,
				}
				var provider models.Provider
				if e := h.catalog.First(&provider, "id = ?", contact.ProviderID).Error; e == nil {
					cv.Provider = provider.Name
				}
				v.Contract = cv
			}
		}
		views = append(views, v)
	}

	return c.JSON(caseDetail{
		ID:          cs.ID,
		Applicant:   applicant.Name,
		Route:       route.Name,
		Description: description,
		IsOfferable: IsOfferable(stepRows),
		CreatedAt:   cs.CreatedAt,
		Steps:       views,
	})
}
