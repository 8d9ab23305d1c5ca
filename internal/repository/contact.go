package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/db"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
)

type contactRow struct {
	ID           string    `db:"id"`
	ListID       string    `db:"list_id"`
	Email        string    `db:"email"`
	FirstName    string    `db:"first_name"`
	LastName     string    `db:"last_name"`
	Company      string    `db:"company"`
	CustomFields string    `db:"custom_fields"`
	Status       string    `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r contactRow) model() models.Contact {
	return models.Contact{
		ID:           r.ID,
		ListID:       r.ListID,
		Email:        r.Email,
		FirstName:    r.FirstName,
		LastName:     r.LastName,
		Company:      r.Company,
		CustomFields: decodeFields(r.CustomFields),
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
	}
}

func decodeFields(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var generic map[string]any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil
	}
	fields := make(map[string]string, len(generic))
	for k, v := range generic {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case nil:
			fields[k] = ""
		default:
			data, _ := json.Marshal(val)
			fields[k] = string(data)
		}
	}
	return fields
}

const contactColumns = `id, list_id, email, first_name, last_name, company, custom_fields, status, created_at`

// ContactRepository manages contact lists and contacts
type ContactRepository struct {
	db *db.DB
}

func NewContactRepository(db *db.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// CreateList creates a new contact list
func (r *ContactRepository) CreateList(ctx context.Context, l *models.ContactList) error {
	l.ID = newID()
	l.CreatedAt = utc(time.Now())

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO contact_lists (id, name, created_at) VALUES (?, ?, ?)`),
		l.ID, l.Name, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create list: %w", err)
	}
	return nil
}

// Create adds a contact to its list
func (r *ContactRepository) Create(ctx context.Context, c *models.Contact) error {
	c.ID = newID()
	c.Email = strings.TrimSpace(c.Email)
	if c.Status == "" {
		c.Status = models.ContactActive
	}
	c.CreatedAt = utc(time.Now())

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.ListID, c.Email, c.FirstName, c.LastName, c.Company, encodeJSON(c.CustomFields), c.Status, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// GetByID returns a contact by ID
func (r *ContactRepository) GetByID(ctx context.Context, id string) (*models.Contact, error) {
	var row contactRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	c := row.model()
	return &c, nil
}

// ListByList returns the contacts of a list
func (r *ContactRepository) ListByList(ctx context.Context, listID string) ([]models.Contact, error) {
	var rows []contactRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT `+contactColumns+` FROM contacts WHERE list_id = ? ORDER BY created_at, id`), listID); err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	contacts := make([]models.Contact, 0, len(rows))
	for _, row := range rows {
		contacts = append(contacts, row.model())
	}
	return contacts, nil
}

// SetStatus updates the list-level status of a contact
func (r *ContactRepository) SetStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE contacts SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return fmt.Errorf("failed to update contact status: %w", err)
	}
	return nil
}
