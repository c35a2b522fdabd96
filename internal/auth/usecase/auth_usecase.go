package usecase

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// AuthUsecase issues and validates the bearer tokens that identify a user
type AuthUsecase interface {
	ValidateToken(tokenString string) (string, error)
	GenerateAccessToken(userID string, ttl time.Duration) (string, error)
}

// authUsecase implements AuthUsecase interface
type authUsecase struct {
	secret []byte
	now    func() time.Time
}

// NewAuthUsecase creates a new instance of authUsecase
func NewAuthUsecase(secret string) AuthUsecase {
	return &authUsecase{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (u *authUsecase) GenerateAccessToken(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := u.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(u.secret)
}

// ValidateToken returns the user id carried by a valid access token
func (u *authUsecase) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return u.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(u.now))

	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", errors.New("invalid token claims")
	}
	return userID, nil
}
