package service

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"logsentry/internal/models"
)

type fakeUserRepo struct {
	users  map[string]*models.User
	nextID int64
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*models.User), nextID: 1}
}

func (r *fakeUserRepo) CreateUser(user *models.User) error {
	user.ID = r.nextID
	r.nextID++
	r.users[user.Username] = user
	return nil
}

func (r *fakeUserRepo) GetUserByUsername(username string) (*models.User, error) {
	user, ok := r.users[username]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (r *fakeUserRepo) GetUserByID(id int64) (*models.User, error) {
	for _, u := range r.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *fakeUserRepo) CountUsers() (int, error) {
	return len(r.users), nil
}

func newTestAuthService() (AuthService, *fakeUserRepo) {
	repo := newFakeUserRepo()
	return NewAuthService(repo, "test-secret", time.Hour, zap.NewNop()), repo
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestAuthService()

	user, err := svc.Register("analyst1", "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, "analyst", user.Role)
	assert.NotEqual(t, "correct horse battery staple", user.PasswordHash)
	assert.Contains(t, user.PasswordHash, "$argon2id$")

	token, expiresAt, err := svc.Login("analyst1", "correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, "analyst1", claims.Username)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	svc, _ := newTestAuthService()

	_, err := svc.Register("analyst1", "password-one")
	require.NoError(t, err)

	_, err = svc.Register("analyst1", "password-two")
	assert.ErrorIs(t, err, ErrUserAlreadyExists)
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestAuthService()

	_, err := svc.Register("analyst1", "the-real-password")
	require.NoError(t, err)

	_, _, err = svc.Login("analyst1", "not-the-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login("nobody", "whatever")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestParseTokenRejectsTampering(t *testing.T) {
	svc, _ := newTestAuthService()

	_, err := svc.Register("analyst1", "the-real-password")
	require.NoError(t, err)
	token, _, err := svc.Login("analyst1", "the-real-password")
	require.NoError(t, err)

	_, err = svc.ParseToken(token + "tampered")
	assert.Error(t, err)

	_, err = svc.ParseToken(token[:len(token)-2])
	assert.Error(t, err)
}
