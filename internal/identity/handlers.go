package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/owldock/casework-backend/pkg/models"
	"github.com/owldock/casework-backend/pkg/validation"
)

/* ================================ DTOs ================================= */

// Request body for /signup
type SignupRequest struct {
	Role         string `json:"role" validate:"required,oneof=client_contact provider_contact"`
	Name         string `json:"name" validate:"required,min=2,max=80"`
	Email        string `json:"email" validate:"required,email,max=120"`
	Password     string `json:"password" validate:"required,min=6,max=72"`
	Organization string `json:"organization" validate:"required,min=2,max=120"`
	// Optional for provider contacts
	Jurisdiction       string `json:"jurisdiction" validate:"omitempty,country"`
	RegistrationNumber string `json:"registration_number" validate:"omitempty,regnum"`
}

// Request body for /login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=120"`
	Password string `json:"password" validate:"required"`
}

// Standard auth response
type AuthResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// Profile response for /me
type ProfileResponse struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      RoleKind  `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

/* ============================== Handler ================================= */

type Handler struct {
	catalog  *gorm.DB
	resolver *Resolver
}

func NewHandler(catalog *gorm.DB, resolver *Resolver) *Handler {
	return &Handler{catalog: catalog, resolver: resolver}
}

/* =============================== Signup ================================= */

// @Summary      Sign up
// @Description  Register a principal as a client or provider contact
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        payload  body  SignupRequest  true  "Signup payload"
// @Success      201      {object}  AuthResponse
// @Failure      400      {object}  models.ValidationErrorResponse
// @Failure      409      {object}  models.ErrorResponse  "email already exists"
// @Router       /signup [post]
func (h *Handler) Signup(c *fiber.Ctx) error {
	var in SignupRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}

	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Organization = strings.TrimSpace(in.Organization)

	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	hash, _ := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)

	// Principal, organization and contact land together or not at all.
	var p models.Principal
	err := h.catalog.Transaction(func(tx *gorm.DB) error {
		p = models.Principal{
			Email:        in.Email,
			PasswordHash: string(hash),
			Name:         in.Name,
		}
		if err := tx.Create(&p).Error; err != nil {
			return err
		}

		switch in.Role {
		case "client_contact":
			var org models.Client
			if err := tx.Where(models.Client{Name: in.Organization}).
				FirstOrCreate(&org).Error; err != nil {
				return err
			}
			return tx.Create(&models.ClientContact{
				PrincipalID: p.ID,
				ClientID:    org.ID,
			}).Error
		default: // provider_contact, enforced by validation
			var org models.Provider
			if err := tx.Where(models.Provider{Name: in.Organization}).
				Attrs(models.Provider{Jurisdiction: strings.ToUpper(in.Jurisdiction)}).
				FirstOrCreate(&org).Error; err != nil {
				return err
			}
			return tx.Create(&models.ProviderContact{
				PrincipalID:        p.ID,
				ProviderID:         org.ID,
				RegistrationNumber: strings.TrimSpace(in.RegistrationNumber),
			}).Error
		}
	})
	if err != nil {
		return fiber.NewError(fiber.StatusConflict, "email already exists")
	}

	token, _ := IssueToken(p.ID.String())
	return c.Status(fiber.StatusCreated).JSON(AuthResponse{Token: token, Role: in.Role})
}

/* ================================ Login ================================= */

// @Summary      Login
// @Description  Authenticate and receive a JWT
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        payload  body  LoginRequest  true  "Login payload"
// @Success      200      {object}  AuthResponse
// @Failure      400      {object}  models.ValidationErrorResponse
// @Failure      401      {object}  models.ErrorResponse
// @Router       /login [post]
func (h *Handler) Login(c *fiber.Ctx) error {
	var in LoginRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}

	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	var p models.Principal
	if err := h.catalog.Where("email = ?", in.Email).First(&p).Error; err != nil {
		return fiber.ErrUnauthorized
	}

	if bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(in.Password)) != nil {
		return fiber.ErrUnauthorized
	}

	role, err := h.resolver.Resolve(c.Context(), p.ID)
	if err != nil {
		return fiber.ErrInternalServerError
	}

	token, _ := IssueToken(p.ID.String())
	return c.JSON(AuthResponse{Token: token, Role: string(role.Kind)})
}

/* ================================= Me =================================== */

// @Summary      Get current principal profile
// @Tags         auth
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  ProfileResponse
// @Failure      401  {object}  models.ErrorResponse
// @Router       /me [get]
func (h *Handler) Me(c *fiber.Ctx) error {
	principalID := MustPrincipalID(c)
	role := MustRole(c)

	var p models.Principal
	if err := h.catalog.First(&p, "id = ?", principalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrUnauthorized
		}
		return fiber.ErrInternalServerError
	}

	return c.JSON(ProfileResponse{
		ID:        p.ID,
		Email:     p.Email,
		Name:      p.Name,
		Role:      role.Kind,
		CreatedAt: p.CreatedAt,
	})
}
