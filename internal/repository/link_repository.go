package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Monthlyaway/ttl-link/internal/errx"
	"github.com/Monthlyaway/ttl-link/internal/model"
	"gorm.io/gorm"
)

// LinkRepository is the lifecycle store: current links plus their archive
type LinkRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLinkRepository wraps an opened gorm connection
func NewLinkRepository(db *gorm.DB) *LinkRepository {
	return &LinkRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates or updates both tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.CurrentLink{}, &model.ArchivedLink{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Find retrieves a current link by alias
func (r *LinkRepository) Find(ctx context.Context, alias string) (*model.CurrentLink, error) {
	const op = "repository.Find"

	var link model.CurrentLink
	if err := r.db.WithContext(ctx).Where("alias = ?", alias).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errx.E(op, errx.NotFound, errx.ErrNotFound)
		}
		return nil, errx.E(op, errx.Unavailable, fmt.Errorf("failed to get link: %w", err))
	}
	return &link, nil
}

// Exists reports whether alias is held by a current link
func (r *LinkRepository) Exists(ctx context.Context, alias string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.CurrentLink{}).
		Where("alias = ?", alias).Count(&count).Error; err != nil {
		return false, errx.E("repository.Exists", errx.Unavailable, fmt.Errorf("failed to check alias: %w", err))
	}
	return count > 0, nil
}

// Insert stores a new current link. The unique index on alias is what makes
// concurrent inserts of the same alias fail with ErrDuplicateAlias.
func (r *LinkRepository) Insert(ctx context.Context, link *model.CurrentLink) error {
	const op = "repository.Insert"

	if link.CreatedAt.IsZero() {
		link.CreatedAt = r.now()
	}
	if err := r.db.WithContext(ctx).Create(link).Error; err != nil {
		if isDuplicate(err) {
			return errx.E(op, errx.Conflict, errx.ErrDuplicateAlias)
		}
		return errx.E(op, errx.Unavailable, fmt.Errorf("failed to create link: %w", err))
	}
	return nil
}

// UpdateTarget replaces the target url of a current link
func (r *LinkRepository) UpdateTarget(ctx context.Context, alias, targetURL string) error {
	return r.updateColumns(ctx, "repository.UpdateTarget", alias, map[string]any{"target_url": targetURL})
}

// SwapTaskHandle replaces the recorded retirement task only if it is still
// oldHandle. It reports false when another caller swapped it first.
func (r *LinkRepository) SwapTaskHandle(ctx context.Context, alias, oldHandle, newHandle string) (bool, error) {
	const op = "repository.SwapTaskHandle"

	result := r.db.WithContext(ctx).Model(&model.CurrentLink{}).
		Where("alias = ? AND task_handle = ?", alias, oldHandle).
		UpdateColumn("task_handle", newHandle)
	if result.Error != nil {
		return false, errx.E(op, errx.Unavailable, fmt.Errorf("failed to update task handle: %w", result.Error))
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	exists, err := r.Exists(ctx, alias)
	if err != nil {
		return false, errx.Wrap(op, err)
	}
	if !exists {
		return false, errx.E(op, errx.NotFound, errx.ErrNotFound)
	}
	return false, nil
}

// RecordClick increments the click count and stamps the click time
func (r *LinkRepository) RecordClick(ctx context.Context, alias string, at time.Time) error {
	return r.updateColumns(ctx, "repository.RecordClick", alias, map[string]any{
		"click_count":     gorm.Expr("click_count + ?", 1),
		"last_clicked_at": at,
	})
}

func (r *LinkRepository) updateColumns(ctx context.Context, op, alias string, columns map[string]any) error {
	result := r.db.WithContext(ctx).Model(&model.CurrentLink{}).
		Where("alias = ?", alias).
		UpdateColumns(columns)
	if result.Error != nil {
		return errx.E(op, errx.Unavailable, fmt.Errorf("failed to update link: %w", result.Error))
	}
	if result.RowsAffected == 0 {
		// MySQL reports zero affected rows when the values did not change
		exists, err := r.Exists(ctx, alias)
		if err != nil {
			return errx.Wrap(op, err)
		}
		if !exists {
			return errx.E(op, errx.NotFound, errx.ErrNotFound)
		}
	}
	return nil
}

// Retire moves a link from current to the archive in one transaction.
// The conditional delete claims the row, so of two racing retirements only
// the first succeeds and the second gets ErrNotFound.
func (r *LinkRepository) Retire(ctx context.Context, alias string, reason model.RetireReason) (*model.ArchivedLink, error) {
	const op = "repository.Retire"

	var archived *model.ArchivedLink
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var link model.CurrentLink
		if err := tx.Where("alias = ?", alias).First(&link).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errx.E(op, errx.NotFound, errx.ErrNotFound)
			}
			return errx.E(op, errx.Unavailable, fmt.Errorf("failed to load link: %w", err))
		}

		result := tx.Where("id = ?", link.ID).Delete(&model.CurrentLink{})
		if result.Error != nil {
			return errx.E(op, errx.Unavailable, fmt.Errorf("failed to delete link: %w", result.Error))
		}
		if result.RowsAffected == 0 {
			return errx.E(op, errx.NotFound, errx.ErrNotFound)
		}

		archived = link.Archive(reason, r.now())
		if err := tx.Create(archived).Error; err != nil {
			if isDuplicate(err) {
				return errx.E(op, errx.NotFound, errx.ErrNotFound)
			}
			return errx.E(op, errx.Unavailable, fmt.Errorf("failed to archive link: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return archived, nil
}

// FindByTarget lists current links pointing at targetURL
func (r *LinkRepository) FindByTarget(ctx context.Context, targetURL string) ([]model.CurrentLink, error) {
	var links []model.CurrentLink
	if err := r.db.WithContext(ctx).Where("target_url = ?", targetURL).
		Order("created_at").Find(&links).Error; err != nil {
		return nil, errx.E("repository.FindByTarget", errx.Unavailable, fmt.Errorf("failed to search links: %w", err))
	}
	return links, nil
}

// FindByProject lists the owner's current links labelled with project
func (r *LinkRepository) FindByProject(ctx context.Context, owner, project string) ([]model.CurrentLink, error) {
	var links []model.CurrentLink
	if err := r.db.WithContext(ctx).
		Where("owner_id = ? AND project_name = ?", owner, project).
		Order("created_at").Find(&links).Error; err != nil {
		return nil, errx.E("repository.FindByProject", errx.Unavailable, fmt.Errorf("failed to list project links: %w", err))
	}
	return links, nil
}

// FindArchivedByOwner lists the owner's archived links, most recent first
func (r *LinkRepository) FindArchivedByOwner(ctx context.Context, owner string) ([]model.ArchivedLink, error) {
	var links []model.ArchivedLink
	if err := r.db.WithContext(ctx).Where("owner_id = ?", owner).
		Order("archived_at DESC").Order("id DESC").Find(&links).Error; err != nil {
		return nil, errx.E("repository.FindArchivedByOwner", errx.Unavailable, fmt.Errorf("failed to list archived links: %w", err))
	}
	return links, nil
}

// FindArchivedByAlias lists every archive record ever written for alias
func (r *LinkRepository) FindArchivedByAlias(ctx context.Context, alias string) ([]model.ArchivedLink, error) {
	var links []model.ArchivedLink
	if err := r.db.WithContext(ctx).Where("alias = ?", alias).
		Order("archived_at").Order("id").Find(&links).Error; err != nil {
		return nil, errx.E("repository.FindArchivedByAlias", errx.Unavailable, fmt.Errorf("failed to list archived links: %w", err))
	}
	return links, nil
}

// AllAliases returns every current alias
func (r *LinkRepository) AllAliases(ctx context.Context) ([]string, error) {
	var aliases []string
	if err := r.db.WithContext(ctx).Model(&model.CurrentLink{}).
		Pluck("alias", &aliases).Error; err != nil {
		return nil, errx.E("repository.AllAliases", errx.Unavailable, fmt.Errorf("failed to get all aliases: %w", err))
	}
	return aliases, nil
}

// FindAll returns every current link, oldest expiry first
func (r *LinkRepository) FindAll(ctx context.Context) ([]model.CurrentLink, error) {
	var links []model.CurrentLink
	if err := r.db.WithContext(ctx).Order("expire_at").Find(&links).Error; err != nil {
		return nil, errx.E("repository.FindAll", errx.Unavailable, fmt.Errorf("failed to list links: %w", err))
	}
	return links, nil
}

// Close closes the database connection
func (r *LinkRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key value")
}
