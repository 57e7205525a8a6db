package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"zenverifier/internal/identity"
	"zenverifier/internal/models"
)

// EnsureUser returns the local user bound to a Clerk id, creating it with
// the signup grant on first contact. When profile is nil and the user is new,
// the profile is read from Clerk.
func (s *Service) EnsureUser(ctx context.Context, clerkID string, profile *models.Profile) (models.User, error) {
	if clerkID == "" {
		return models.User{}, ErrUnauthenticated
	}
	user, err := s.store.GetUserByClerkID(ctx, clerkID)
	if err == nil {
		if user.DeletedAt != nil {
			return models.User{}, ErrUserDeleted
		}
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.User{}, err
	}

	if profile == nil {
		if s.identity == nil {
			return models.User{}, fmt.Errorf("%w: cannot load profile for %s", ErrUnauthenticated, clerkID)
		}
		remote, err := s.identity.GetUser(ctx, clerkID)
		if errors.Is(err, identity.ErrUserNotFound) {
			return models.User{}, ErrUnauthenticated
		}
		if err != nil {
			return models.User{}, upstream(err)
		}
		p := remote.Profile()
		profile = &p
	}

	candidate := models.User{
		ClerkID:  clerkID,
		Email:    profile.Email,
		Username: profile.Username,
		Name:     strings.TrimSpace(profile.FirstName + " " + profile.LastName),
		ImageURL: profile.ImageURL,
		Role:     s.roleFor(clerkID),
	}
	var signup *models.CreditTransaction
	if bonus := s.config.Credits.SignupBonus; bonus > 0 {
		signup = &models.CreditTransaction{
			Amount:      bonus,
			Type:        models.TxFreeSignup,
			Description: fmt.Sprintf("Welcome bonus - %d free credits", bonus),
		}
	}

	user, created, err := s.store.CreateUser(ctx, candidate, signup)
	if err != nil {
		return models.User{}, err
	}
	if user.DeletedAt != nil {
		return models.User{}, ErrUserDeleted
	}
	if created {
		if signup != nil {
			s.metrics.creditsGranted.WithLabelValues(models.TxFreeSignup).Add(float64(signup.Amount))
		}
		s.log.Info("user provisioned",
			zap.Int64("user_id", user.ID),
			zap.String("clerk_id", clerkID),
			zap.Int("signup_bonus", s.config.Credits.SignupBonus),
		)
	}
	return user, nil
}

func (s *Service) roleFor(clerkID string) string {
	if slices.Contains(s.config.Clerk.AdminUserIDs, clerkID) {
		return models.UserRoleAdmin
	}
	return models.UserRoleUser
}

// EnsureOrganization returns the user's organization, creating it if needed.
func (s *Service) EnsureOrganization(ctx context.Context, user models.User) (models.Organization, error) {
	org, err := s.store.GetOrganizationByOwner(ctx, user.ID)
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Organization{}, err
	}

	candidate := models.Organization{
		Name:    OrganizationName(user),
		Slug:    OrganizationSlug(user),
		OwnerID: user.ID,
	}
	org, err = s.store.CreateOrganization(ctx, candidate)
	if errors.Is(err, ErrSlugTaken) {
		candidate.Slug = candidate.Slug + "-" + strconv.FormatInt(user.ID, 10)
		org, err = s.store.CreateOrganization(ctx, candidate)
	}
	if err != nil {
		return models.Organization{}, err
	}
	s.log.Info("organization provisioned",
		zap.Int64("user_id", user.ID),
		zap.Int64("organization_id", org.ID),
		zap.String("slug", org.Slug),
	)
	return org, nil
}

// OrganizationName is "<first name|username|User>'s Organization".
func OrganizationName(user models.User) string {
	var owner string
	if fields := strings.Fields(user.Name); len(fields) > 0 {
		owner = fields[0]
	}
	if owner == "" {
		owner = user.Username
	}
	if owner == "" {
		owner = "User"
	}
	return owner + "'s Organization"
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9-]`)

// OrganizationSlug is "<username|clerk id>-org", lowercased, with every
// character outside [a-z0-9-] replaced by '-'.
func OrganizationSlug(user models.User) string {
	base := user.Username
	if base == "" {
		base = user.ClerkID
	}
	return slugInvalid.ReplaceAllString(strings.ToLower(base+"-org"), "-")
}

// SyncIdentityUser applies a Clerk user.created or user.updated event.
func (s *Service) SyncIdentityUser(ctx context.Context, eventType string, u identity.User) error {
	profile := u.Profile()
	user, err := s.EnsureUser(ctx, u.ID, &profile)
	if err != nil {
		return err
	}

	switch eventType {
	case identity.EventUserCreated:
		_, err = s.EnsureOrganization(ctx, user)
		return err
	case identity.EventUserUpdated:
		user.Email = profile.Email
		user.Username = profile.Username
		user.Name = strings.TrimSpace(profile.FirstName + " " + profile.LastName)
		user.ImageURL = profile.ImageURL
		_, err = s.store.UpdateUserProfile(ctx, user)
		return err
	}
	return nil
}

// DeleteIdentityUser soft deletes the local user. Ledger rows are kept.
func (s *Service) DeleteIdentityUser(ctx context.Context, clerkID string) error {
	err := s.store.SoftDeleteUser(ctx, clerkID, s.now())
	if errors.Is(err, ErrNotFound) {
		s.log.Info("delete for unknown identity user", zap.String("clerk_id", clerkID))
		return nil
	}
	return err
}

func (s *Service) ListUsers(ctx context.Context, page, pageSize int) ([]models.User, int64, error) {
	return s.store.ListUsers(ctx, page, pageSize)
}

func (s *Service) GetUserByID(ctx context.Context, id int64) (models.User, error) {
	return s.store.GetUserByID(ctx, id)
}
