package presence

import "gorm.io/gorm"

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db}
}

// Migrate creates the table for Event (GORM's default name, "events") if
// it does not exist.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Event{})
}

func (r *Repository) Create(ev *Event) error {
	return r.db.Create(ev).Error
}

func (r *Repository) FindByTopic(topic string, limit int) ([]*Event, error) {
	var events []*Event
	err := r.db.Where("topic = ?", topic).
		Order("created_at desc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *Repository) FindByConnection(connectionID string) ([]*Event, error) {
	var events []*Event
	err := r.db.Where("connection_id = ?", connectionID).
		Order("created_at").
		Find(&events).Error
	return events, err
}
