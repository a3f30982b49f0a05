package services

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/manualdousuario/sintoniza/database"
	"github.com/manualdousuario/sintoniza/models"
)

type AuthService struct {
	db *database.DB
}

func NewAuthService(db *database.DB) *AuthService {
	return &AuthService{db: db}
}

func (as *AuthService) CreateUser(name, password, email string, admin bool) (*models.User, error) {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}

	existing, err := as.GetUserByName(name)
	if err == nil && existing != nil {
		return nil, fmt.Errorf("user already exists")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %v", err)
	}

	// The token doubles as a secret login name for clients that cannot
	// send passwords (GPodder Desktop).
	token := name + "." + uuid.NewString()

	query := as.db.Rebind(`
		INSERT INTO users (name, password, email, token, admin)
		VALUES (?, ?, ?, ?, ?)
	`)
	if _, err := as.db.Exec(query, name, string(hashed), email, token, admin); err != nil {
		return nil, fmt.Errorf("failed to create user: %v", err)
	}

	return as.GetUserByName(name)
}

func (as *AuthService) GetUserByID(id int) (*models.User, error) {
	query := as.db.Rebind(`
		SELECT id, name, password, COALESCE(email, ''), token, admin, created_at, last_login
		FROM users WHERE id = ?
	`)
	return as.scanUser(as.db.QueryRow(query, id))
}

func (as *AuthService) GetUserByName(name string) (*models.User, error) {
	query := as.db.Rebind(`
		SELECT id, name, password, COALESCE(email, ''), token, admin, created_at, last_login
		FROM users WHERE name = ?
	`)
	return as.scanUser(as.db.QueryRow(query, name))
}

func (as *AuthService) scanUser(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.ID, &user.Name, &user.Password, &user.Email, &user.Token,
		&user.Admin, &user.CreatedAt, &user.LastLogin,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate accepts either name+password or the user's secret token as
// the username (any password accepted in that case).
func (as *AuthService) Authenticate(username, password string) (*models.User, error) {
	if user, err := as.getUserByToken(username); err == nil {
		as.touchLogin(user.ID)
		return user, nil
	}

	user, err := as.GetUserByName(username)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}

	as.touchLogin(user.ID)
	return user, nil
}

func (as *AuthService) getUserByToken(token string) (*models.User, error) {
	if !strings.Contains(token, ".") {
		return nil, sql.ErrNoRows
	}
	query := as.db.Rebind(`
		SELECT id, name, password, COALESCE(email, ''), token, admin, created_at, last_login
		FROM users WHERE token = ?
	`)
	return as.scanUser(as.db.QueryRow(query, token))
}

func (as *AuthService) touchLogin(userID int) {
	query := as.db.Rebind(`UPDATE users SET last_login = CURRENT_TIMESTAMP WHERE id = ?`)
	if _, err := as.db.Exec(query, userID); err != nil {
		log.Printf("Failed to update last login for user %d: %v", userID, err)
	}
}

func (as *AuthService) ChangePassword(userID int, current, newPassword string) error {
	user, err := as.GetUserByID(userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(current)); err != nil {
		return fmt.Errorf("current password is wrong")
	}
	if len(newPassword) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %v", err)
	}

	query := as.db.Rebind(`UPDATE users SET password = ? WHERE id = ?`)
	_, err = as.db.Exec(query, string(hashed), userID)
	return err
}

func (as *AuthService) DeleteUser(userID int) error {
	query := as.db.Rebind(`DELETE FROM users WHERE id = ?`)
	result, err := as.db.Exec(query, userID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (as *AuthService) ListUsers() ([]models.User, error) {
	query := `
		SELECT id, name, password, COALESCE(email, ''), token, admin, created_at, last_login
		FROM users ORDER BY id DESC
	`
	rows, err := as.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user := models.User{}
		err := rows.Scan(
			&user.ID, &user.Name, &user.Password, &user.Email, &user.Token,
			&user.Admin, &user.CreatedAt, &user.LastLogin,
		)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (as *AuthService) CreateSession(userID int) (*models.Session, error) {
	sessionID := uuid.NewString()
	expiresAt := time.Now().Add(30 * 24 * time.Hour).Unix()

	query := as.db.Rebind(`
		INSERT INTO sessions (id, user_id, expires_at)
		VALUES (?, ?, ?)
	`)
	if _, err := as.db.Exec(query, sessionID, userID, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to create session: %v", err)
	}

	return &models.Session{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}, nil
}

func (as *AuthService) GetSession(sessionID string) (*models.Session, error) {
	query := as.db.Rebind(`
		SELECT id, user_id, created_at, expires_at
		FROM sessions WHERE id = ? AND expires_at > ?
	`)

	session := &models.Session{}
	err := as.db.QueryRow(query, sessionID, time.Now().Unix()).Scan(
		&session.ID, &session.UserID, &session.CreatedAt, &session.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (as *AuthService) DeleteSession(sessionID string) error {
	query := as.db.Rebind(`DELETE FROM sessions WHERE id = ?`)
	_, err := as.db.Exec(query, sessionID)
	return err
}

func (as *AuthService) CleanupExpiredSessions() error {
	query := as.db.Rebind(`DELETE FROM sessions WHERE expires_at <= ?`)
	result, err := as.db.Exec(query, time.Now().Unix())
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		log.Printf("Cleaned up %d expired sessions", n)
	}
	return nil
}

// EnsureDefaultAdmin creates an admin account from the environment when
// the database is empty.
func (as *AuthService) EnsureDefaultAdmin(username, password string) error {
	var count int
	if err := as.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if username == "" {
		username = "admin"
	}
	if password == "" {
		password = "admin12345"
		log.Println("WARNING: Using default admin password. Please change it!")
	}

	if _, err := as.CreateUser(username, password, "", true); err != nil {
		return fmt.Errorf("failed to create default admin: %v", err)
	}
	log.Printf("Created default admin user: %s", username)
	return nil
}
