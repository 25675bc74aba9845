package market

import (
	"context"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxEmailLen       = 254
	maxDisplayNameLen = 100
	maxBioLen         = 1000
)

var walletRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Profiles owns the user-editable part of a user record.
type Profiles struct {
	store Store
}

func NewProfiles(store Store) *Profiles {
	return &Profiles{store: store}
}

func (p *Profiles) Get(ctx context.Context, userID int64) (User, error) {
	if userID <= 0 {
		return User{}, ErrUnauthenticated
	}
	u, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return User{}, persistence("get user", err)
	}
	return u, nil
}

// Update trims and checks the patch, then stores it. An empty patch returns
// the current record.
func (p *Profiles) Update(ctx context.Context, userID int64, patch UserPatch) (User, error) {
	if userID <= 0 {
		return User{}, ErrUnauthenticated
	}
	patch, err := normalizePatch(patch)
	if err != nil {
		return User{}, err
	}
	if patch == (UserPatch{}) {
		return p.Get(ctx, userID)
	}
	u, err := p.store.UpdateUser(ctx, userID, patch)
	if err != nil {
		return User{}, persistence("update user", err)
	}
	return u, nil
}

func normalizePatch(patch UserPatch) (UserPatch, error) {
	trim := func(v *string) *string {
		if v == nil {
			return nil
		}
		t := strings.TrimSpace(*v)
		return &t
	}
	patch.Email = trim(patch.Email)
	patch.WalletAddress = trim(patch.WalletAddress)
	patch.DisplayName = trim(patch.DisplayName)
	patch.Bio = trim(patch.Bio)

	if e := patch.Email; e != nil && *e != "" {
		if len(*e) > maxEmailLen {
			return patch, invalid("email", "too long")
		}
		addr, err := mail.ParseAddress(*e)
		if err != nil || addr.Address != *e {
			return patch, invalid("email", "must be a bare address")
		}
	}
	if w := patch.WalletAddress; w != nil && *w != "" && !walletRe.MatchString(*w) {
		return patch, invalid("walletAddress", "must be a 0x-prefixed 20-byte hex address")
	}
	if n := patch.DisplayName; n != nil && utf8.RuneCountInString(*n) > maxDisplayNameLen {
		return patch, invalid("displayName", "too long")
	}
	if b := patch.Bio; b != nil && utf8.RuneCountInString(*b) > maxBioLen {
		return patch, invalid("bio", "too long")
	}
	return patch, nil
}
