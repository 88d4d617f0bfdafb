package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"example.com/design-market/services/market/internal/domain"
)

// CatalogRepository читает проекцию каталога услуг.
type CatalogRepository interface {
	// GetServices возвращает активные услуги по ID. Неизвестные и неактивные пропускаются.
	GetServices(ctx context.Context, ids []string) (map[string]*domain.Service, error)
}

type catalogRepository struct {
	db *gorm.DB
}

// NewCatalogRepository создаёт репозиторий каталога.
func NewCatalogRepository(db *gorm.DB) CatalogRepository {
	return &catalogRepository{db: db}
}

// GetServices загружает услуги одним запросом.
func (r *catalogRepository) GetServices(ctx context.Context, ids []string) (map[string]*domain.Service, error) {
	result := make(map[string]*domain.Service, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var models []ServiceModel
	if err := r.db.WithContext(ctx).
		Where("id IN ? AND active = ?", ids, true).
		Find(&models).Error; err != nil {
		return nil, err
	}

	for i := range models {
		svc, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		result[svc.ID] = svc
	}
	return result, nil
}

// UserRepository читает справочник пользователей.
type UserRepository interface {
	// FindByEmail ищет пользователя по email без учёта регистра.
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository создаёт репозиторий пользователей.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// FindByEmail возвращает domain.ErrUserNotFound, если пользователя нет.
func (r *userRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, domain.ErrUserNotFound
	}

	var model UserModel
	if err := r.db.WithContext(ctx).
		Where("LOWER(email) = ?", email).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}

	return &domain.User{ID: model.ID, Email: model.Email, Name: model.Name}, nil
}
