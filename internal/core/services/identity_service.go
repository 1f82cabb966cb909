package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
	"chatnest/pkg/utils"
	"chatnest/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const (
	peerIDPrefix   = "nest-"
	defaultName    = "Nestling Guest"
	defaultBio     = "Just hanging in the nest."
	avatarTemplate = "https://api.dicebear.com/7.x/avataaars/svg?seed=%s"
)

// DerivePeerID maps contact info onto a stable identity. Phone numbers keep
// their digits so the ID is dialable by hand; anything else is hashed. Empty
// input yields a random identity.
func DerivePeerID(contact string) domain.PeerID {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return randomPeerID()
	}
	if validation.PhoneRegex.MatchString(contact) {
		if digits := utils.DigitsOnly(contact); len(digits) >= 3 {
			return domain.PeerID(peerIDPrefix + digits)
		}
	}
	sum := blake2b.Sum256([]byte(strings.ToLower(contact)))
	return domain.PeerID(peerIDPrefix + hex.EncodeToString(sum[:6]))
}

func randomPeerID() domain.PeerID {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return domain.PeerID(peerIDPrefix + id[:12])
}

// IdentityService owns the local profile.
type IdentityService struct {
	repo   ports.ProfileRepository
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	profile   *domain.Profile
	listeners []func(domain.Profile)
}

func NewIdentityService(repo ports.ProfileRepository, logger *zap.SugaredLogger) *IdentityService {
	return &IdentityService{
		repo:   repo,
		logger: logger,
	}
}

// Bootstrap loads the persisted profile or creates one from contact and name.
// A persisted profile keeps its identity even if contact changed.
func (s *IdentityService) Bootstrap(ctx context.Context, contact, name string) (domain.Profile, error) {
	stored, err := s.repo.Load(ctx)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("failed to load profile: %w", err)
	}

	if stored != nil {
		stored.Status = domain.StatusOnline
		stored.Touch(utils.Now())
		s.set(*stored)
		s.logger.Infow("loaded local profile", "peer_id", stored.ID)
		return *stored, nil
	}

	id := DerivePeerID(contact)
	if name = utils.SanitizeString(name); name == "" {
		name = defaultName
	}
	p := domain.Profile{
		ID:     id,
		Name:   name,
		Avatar: fmt.Sprintf(avatarTemplate, id),
		Bio:    defaultBio,
		Status: domain.StatusOnline,
	}
	if validation.PhoneRegex.MatchString(strings.TrimSpace(contact)) {
		p.Phone = strings.TrimSpace(contact)
	}
	p.Touch(utils.Now())

	if err := validation.ValidateProfile(p); err != nil {
		return domain.Profile{}, fmt.Errorf("invalid profile: %w", err)
	}
	if err := s.repo.Save(ctx, p); err != nil {
		return domain.Profile{}, fmt.Errorf("failed to save profile: %w", err)
	}
	s.set(p)
	s.logger.Infow("created local profile", "peer_id", p.ID)
	return p, nil
}

// Rebind moves the local profile onto the identity derived from contact and
// persists it. Everything but the identity, phone and a generated avatar is
// kept.
func (s *IdentityService) Rebind(ctx context.Context, contact string) (domain.Profile, error) {
	s.mu.RLock()
	if s.profile == nil {
		s.mu.RUnlock()
		return domain.Profile{}, fmt.Errorf("profile not initialized")
	}
	next := *s.profile
	s.mu.RUnlock()

	prev := next.ID
	next.ID = DerivePeerID(contact)
	if next.Avatar == fmt.Sprintf(avatarTemplate, prev) {
		next.Avatar = fmt.Sprintf(avatarTemplate, next.ID)
	}
	next.Phone = ""
	if contact = strings.TrimSpace(contact); validation.PhoneRegex.MatchString(contact) {
		next.Phone = contact
	}
	next.Touch(utils.Now())

	if err := validation.ValidateProfile(next); err != nil {
		return domain.Profile{}, fmt.Errorf("invalid profile: %w", err)
	}
	if err := s.repo.Save(ctx, next); err != nil {
		return domain.Profile{}, fmt.Errorf("failed to save profile: %w", err)
	}
	s.set(next)
	s.logger.Infow("identity changed", "previous_peer_id", prev, "peer_id", next.ID)
	return next, nil
}

// Current returns the local profile. It is the zero value before Bootstrap.
func (s *IdentityService) Current() domain.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return domain.Profile{}
	}
	return *s.profile
}

func (s *IdentityService) ID() domain.PeerID {
	return s.Current().ID
}

// Update applies a local edit. The identity itself cannot be changed here.
func (s *IdentityService) Update(ctx context.Context, edit func(p *domain.Profile)) (domain.Profile, error) {
	s.mu.RLock()
	if s.profile == nil {
		s.mu.RUnlock()
		return domain.Profile{}, fmt.Errorf("profile not initialized")
	}
	next := *s.profile
	s.mu.RUnlock()

	id := next.ID
	edit(&next)
	next.ID = id
	next.Name = utils.SanitizeString(next.Name)
	next.Bio = utils.SanitizeString(next.Bio)
	next.Touch(utils.Now())

	if err := validation.ValidateProfile(next); err != nil {
		return domain.Profile{}, err
	}
	if err := s.repo.Save(ctx, next); err != nil {
		return domain.Profile{}, fmt.Errorf("failed to save profile: %w", err)
	}
	s.set(next)
	s.notify(next)
	return next, nil
}

// OnChange registers fn to run after every successful Update.
func (s *IdentityService) OnChange(fn func(domain.Profile)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *IdentityService) set(p domain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = &p
}

func (s *IdentityService) notify(p domain.Profile) {
	s.mu.RLock()
	listeners := append([]func(domain.Profile){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(p)
	}
}
