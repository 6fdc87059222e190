package bot

import (
	"context"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, b *Chatbot) error {
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *Repo) Save(ctx context.Context, b *Chatbot) error {
	return r.db.WithContext(ctx).Save(b).Error
}

func (r *Repo) Get(ctx context.Context, id uint64) (*Chatbot, error) {
	var b Chatbot
	if err := r.db.WithContext(ctx).First(&b, id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repo) List(ctx context.Context) ([]Chatbot, error) {
	var bots []Chatbot
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}

func (r *Repo) ListActive(ctx context.Context) ([]Chatbot, error) {
	var bots []Chatbot
	if err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("name ASC").
		Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}

func (r *Repo) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Chatbot{}).Where("active = ?", true).Count(&n).Error
	return n, err
}

// DeleteCascade removes a chatbot together with its sessions, messages and
// contact records in one transaction. Raw table names avoid an import cycle
// with the chat and contact packages.
func (r *Repo) DeleteCascade(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`DELETE FROM contact_records WHERE session_id IN (SELECT id FROM chat_sessions WHERE chatbot_id = ?)`,
			id,
		).Error; err != nil {
			return err
		}
		if err := tx.Exec(`DELETE FROM chat_messages WHERE chatbot_id = ?`, id).Error; err != nil {
			return err
		}
		if err := tx.Exec(`DELETE FROM chat_sessions WHERE chatbot_id = ?`, id).Error; err != nil {
			return err
		}
		return tx.Delete(&Chatbot{}, id).Error
	})
}
