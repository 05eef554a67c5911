package steps

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
	"github.com/owldock/casework-backend/internal/storage"
	"github.com/owldock/casework-backend/internal/xref"
	"github.com/owldock/casework-backend/pkg/models"
	"github.com/owldock/casework-backend/pkg/sanitize"
)

type Handler struct {
	caseDB  *gorm.DB
	catalog *gorm.DB
	engine  *Engine
	sb      *storage.Supabase
}

func NewHandler(caseDB, catalog *gorm.DB, engine *Engine, sb *storage.Supabase) *Handler {
	return &Handler{caseDB: caseDB, catalog: catalog, engine: engine, sb: sb}
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

/* ========================= Transition endpoint ========================== */

type transitionReq struct {
	ProviderContactID string `json:"provider_contact_id"`
}

type contractView struct {
	ID                uuid.UUID  `json:"id"`
	ProviderContactID uuid.UUID  `json:"provider_contact_id"`
	AcceptedAt        *time.Time `json:"accepted_at"`
	RejectedAt        *time.Time `json:"rejected_at"`
}

type transitionResp struct {
	ID       uuid.UUID        `json:"id"`
	State    models.StepState `json:"state"`
	Contract *contractView    `json:"contract,omitempty"`
}

// Attempt Transition godoc
// @Summary      Attempt a step transition
// @Description  Apply earmark/offer/accept/complete/reject/retract to a step
// @Tags         steps
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id    path  string  true  "step id (uuid)"
// @Param        name  path  string  true  "transition name"
// @Param        payload  body  transitionReq  false  "target provider (earmark/offer)"
// @Success      200  {object}  transitionResp
// @Failure      403  {object}  models.ErrorResponse
// @Failure      404  {object}  models.ErrorResponse
// @Failure      409  {object}  models.ErrorResponse
// @Router       /steps/{id}/transitions/{name} [post]
func (h *Handler) Transition(c *fiber.Ctx) error {
	stepID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid step id")
	}
	name := models.TransitionName(strings.ToLower(c.Params("name")))

	var payload Payload
	if name == models.TransitionEarmark || name == models.TransitionOffer {
		var in transitionReq
		// Body is optional for offer; earmark without a provider fails in
		// the engine with a clear reason.
		if err := c.BodyParser(&in); err == nil && in.ProviderContactID != "" {
			id, err := uuid.Parse(in.ProviderContactID)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid provider_contact_id")
			}
			payload.ProviderContactID = id
		}
	}

	actor := identity.MustRole(c)
	out, err := h.engine.Attempt(c.Context(), stepID, name, actor, payload)
	if err != nil {
		return mapEngineError(err)
	}

	resp := transitionResp{ID: out.Step.ID, State: out.Step.State}
	if out.Contract != nil {
		resp.Contract = &contractView{
			ID:                out.Contract.ID,
			ProviderContactID: out.Contract.ProviderContactID,
			AcceptedAt:        out.Contract.AcceptedAt,
			RejectedAt:        out.Contract.RejectedAt,
		}
	}
	return c.JSON(resp)
}

// mapEngineError converts the engine's discriminated failures to protocol
// responses: 404, 403, 409 with reason, and 500 for integrity faults.
func mapEngineError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.ErrNotFound
	case errors.Is(err, ErrPermissionDenied):
		return fiber.ErrForbidden
	case errors.Is(err, ErrTransitionUnavailable):
		var ue *UnavailableError
		if errors.As(err, &ue) {
			return fiber.NewError(fiber.StatusConflict, ue.Reason)
		}
		return fiber.ErrConflict
	case errors.Is(err, xref.ErrDangling):
		return fiber.ErrInternalServerError
	default:
		return fiber.ErrInternalServerError
	}
}

/* ========================= Provider work queue ========================== */

type assignedStepItem struct {
	ID             uuid.UUID        `json:"id"`
	CaseID         uuid.UUID        `json:"case_id"`
	SequenceNumber int              `json:"sequence_number"`
	State          models.StepState `json:"state"`
	ProcessStep    string           `json:"process_step"`
	CasePreview    string           `json:"case_preview"`
	AcceptedAt     *time.Time       `json:"accepted_at"`
}

// List Assigned Steps godoc
// @Summary      Provider work queue
// @Description  Steps where the acting provider contact holds the active contract; earmarked drafts stay private to the client side
// @Tags         steps
// @Security     BearerAuth
// @Produce      json
// @Param        page      query int false "page"
// @Param        pageSize  query int false "pageSize"
// @Success      200  {object}  map[string]any
// @Failure      401  {object}  models.ErrorResponse
// @Router       /steps/assigned [get]
func (h *Handler) ListAssigned(c *fiber.Ctx) error {
	actor := identity.MustRole(c)
	if !actor.IsProviderContact() {
		return fiber.ErrForbidden
	}
	page, size := parsePage(c)

	visible := []models.StepState{models.StepOffered, models.StepInProgress, models.StepComplete}

	base := h.caseDB.Model(&models.CaseStep{}).
		Joins("JOIN contracts ON contracts.id = case_steps.active_contract_id").
		Where("contracts.provider_contact_id = ?", actor.ProviderContactID).
		Where("case_steps.state IN ?", visible)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	var stepRows []models.CaseStep
	if err := base.Select("case_steps.*").
		Order("case_steps.updated_at DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&stepRows).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	var contracts []models.Contract
	ids := make([]uuid.UUID, 0, len(stepRows))
	for _, s := range stepRows {
		if s.ActiveContractID != nil {
			ids = append(ids, *s.ActiveContractID)
		}
	}
	if len(ids) > 0 {
		if err := h.caseDB.Where("id IN ?", ids).Find(&contracts).Error; err != nil {
			return fiber.ErrInternalServerError
		}
	}
	byID := map[uuid.UUID]models.Contract{}
	for _, ct := range contracts {
		byID[ct.ID] = ct
	}

	caseIDs := make([]uuid.UUID, 0, len(stepRows))
	seen := map[uuid.UUID]bool{}
	for _, s := range stepRows {
		if !seen[s.CaseID] {
			seen[s.CaseID] = true
			caseIDs = append(caseIDs, s.CaseID)
		}
	}
	descByCase := map[uuid.UUID]string{}
	if len(caseIDs) > 0 {
		var caseRows []models.Case
		if err := h.caseDB.Select("id", "description").
			Where("id IN ?", caseIDs).Find(&caseRows).Error; err != nil {
			return fiber.ErrInternalServerError
		}
		for _, cs := range caseRows {
			descByCase[cs.ID] = cs.Description
		}
	}

	// One catalog query for all process-step names, regardless of page size.
	resolver := xref.NewResolver(h.catalog)
	if err := resolver.PreloadSteps(c.Context(), stepRows, contracts); err != nil {
		return fiber.ErrInternalServerError
	}

	items := make([]assignedStepItem, 0, len(stepRows))
	for _, s := range stepRows {
		def, err := resolver.ProcessStep(c.Context(), s.ProcessStepID)
		if err != nil {
			// Dangling definition is a server-side integrity fault.
			return fiber.ErrInternalServerError
		}
		item := assignedStepItem{
			ID:             s.ID,
			CaseID:         s.CaseID,
			SequenceNumber: s.SequenceNumber,
			State:          s.State,
			ProcessStep:    def.Name,
		}
		accepted := false
		if s.ActiveContractID != nil {
			if ct, ok := byID[*s.ActiveContractID]; ok {
				item.AcceptedAt = ct.AcceptedAt
				accepted = ct.AcceptedAt != nil
			}
		}
		// Contact details stay hidden until the provider has accepted.
		preview := descByCase[s.CaseID]
		if !accepted {
			preview = sanitize.RedactPII(preview)
		}
		item.CasePreview = sanitize.Summary(preview, 140)
		items = append(items, item)
	}

	return c.JSON(fiber.Map{
		"page": page, "pageSize": size, "total": total,
		"pages": int(math.Ceil(float64(total) / float64(size))),
		"items": items,
	})
}
