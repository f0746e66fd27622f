package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ledgerline/gatehouse/internal/domain"
)

type flagRecord struct {
	Name      string    `gorm:"primaryKey;size:128"`
	Kind      string    `gorm:"size:32;not null"`
	Value     string    `gorm:"type:text;not null"`
	Condition string    `gorm:"size:1024"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (flagRecord) TableName() string { return "feature_flags" }

type bindingRecord struct {
	ID            uint      `gorm:"primaryKey"`
	OperationKey  string    `gorm:"size:255;not null;uniqueIndex:idx_operation_scope,priority:1"`
	Scope         string    `gorm:"size:128;not null;default:'';uniqueIndex:idx_operation_scope,priority:2"`
	RequiredFlags string    `gorm:"type:text;not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (bindingRecord) TableName() string { return "operation_requirements" }

// GormStore is a FlagStore backed by a relational database through GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open GORM connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the schema for both tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&flagRecord{}, &bindingRecord{})
}

func (s *GormStore) LoadAllFlags(ctx context.Context) ([]domain.Flag, error) {
	var records []flagRecord
	if err := s.db.WithContext(ctx).Order("name asc").Find(&records).Error; err != nil {
		return nil, err
	}

	flags := make([]domain.Flag, 0, len(records))
	for _, rec := range records {
		flag, err := flagFromRecord(rec)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	return flags, nil
}

func (s *GormStore) GetFlag(ctx context.Context, name string) (*domain.Flag, error) {
	var rec flagRecord
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("flag", name)
		}
		return nil, err
	}

	flag, err := flagFromRecord(rec)
	if err != nil {
		return nil, err
	}
	return &flag, nil
}

func (s *GormStore) UpsertFlag(ctx context.Context, flag domain.Flag) error {
	rec, err := flagToRecord(flag)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kind", "value", "condition", "updated_at",
		}),
	}).Create(&rec).Error
}

func (s *GormStore) GetRequirements(ctx context.Context, operationKey string) ([]domain.Binding, error) {
	var records []bindingRecord
	err := s.db.WithContext(ctx).
		Where("operation_key = ?", operationKey).
		Order("scope asc").Order("id asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	return bindingsFromRecords(records)
}

func (s *GormStore) UpsertRequirements(ctx context.Context, operationKey string, bindings []domain.Binding) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("operation_key = ?", operationKey).Delete(&bindingRecord{}).Error; err != nil {
			return err
		}

		if len(bindings) == 0 {
			return nil
		}

		now := time.Now().UTC()
		records := make([]bindingRecord, 0, len(bindings))
		for _, b := range bindings {
			flags, err := json.Marshal(b.RequiredFlags)
			if err != nil {
				return err
			}
			records = append(records, bindingRecord{
				OperationKey:  operationKey,
				Scope:         b.Scope,
				RequiredFlags: string(flags),
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}
		return tx.Create(&records).Error
	})
}

// ListBindingsByFlag scans the full binding table. Required flags are
// stored as a JSON array, so membership is checked in Go rather than with
// a dialect-specific JSON query; the table is administrative and small.
func (s *GormStore) ListBindingsByFlag(ctx context.Context, flagName string) ([]domain.Binding, error) {
	var records []bindingRecord
	if err := s.db.WithContext(ctx).Order("id asc").Find(&records).Error; err != nil {
		return nil, err
	}

	all, err := bindingsFromRecords(records)
	if err != nil {
		return nil, err
	}

	var out []domain.Binding
	for _, b := range all {
		for _, name := range b.RequiredFlags {
			if name == flagName {
				out = append(out, b)
				break
			}
		}
	}
	return out, nil
}

func flagToRecord(flag domain.Flag) (flagRecord, error) {
	value, err := flag.MarshalValue()
	if err != nil {
		return flagRecord{}, err
	}
	return flagRecord{
		Name:      flag.Name,
		Kind:      string(flag.Kind),
		Value:     string(value),
		Condition: flag.Condition,
	}, nil
}

func flagFromRecord(rec flagRecord) (domain.Flag, error) {
	flag := domain.Flag{
		Name:      rec.Name,
		Kind:      domain.Kind(rec.Kind),
		Condition: rec.Condition,
		CreatedAt: rec.CreatedAt.UTC(),
		UpdatedAt: rec.UpdatedAt.UTC(),
	}
	if err := flag.UnmarshalValue(json.RawMessage(rec.Value)); err != nil {
		return domain.Flag{}, fmt.Errorf("corrupt value for flag %s: %w", rec.Name, err)
	}
	return flag, nil
}

func bindingsFromRecords(records []bindingRecord) ([]domain.Binding, error) {
	bindings := make([]domain.Binding, 0, len(records))
	for _, rec := range records {
		var flags []string
		if err := json.Unmarshal([]byte(rec.RequiredFlags), &flags); err != nil {
			return nil, fmt.Errorf("corrupt required_flags for operation %s: %w", rec.OperationKey, err)
		}
		bindings = append(bindings, domain.Binding{
			OperationKey:  rec.OperationKey,
			Scope:         rec.Scope,
			RequiredFlags: flags,
			CreatedAt:     rec.CreatedAt.UTC(),
			UpdatedAt:     rec.UpdatedAt.UTC(),
		})
	}
	return bindings, nil
}
