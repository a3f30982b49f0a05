package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/manualdousuario/sintoniza/database"
	"github.com/manualdousuario/sintoniza/models"
)

type DeviceService struct {
	db *database.DB
}

func NewDeviceService(db *database.DB) *DeviceService {
	return &DeviceService{db: db}
}

// EnsureDevice returns the device row for a (user, deviceid) pair,
// registering it on first sight. Every call bumps last_seen.
func (ds *DeviceService) EnsureDevice(userID int, deviceID string) (*models.Device, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}

	device, err := ds.GetDevice(userID, deviceID)
	if err == sql.ErrNoRows {
		insert := ds.db.Rebind(`
			INSERT INTO devices (user_id, deviceid, caption, type, last_seen)
			VALUES (?, ?, ?, ?, ?)
		`)
		if _, err := ds.db.Exec(insert, userID, deviceID, deviceID, models.DeviceOther, time.Now().Unix()); err != nil {
			return nil, fmt.Errorf("failed to register device: %v", err)
		}
		return ds.GetDevice(userID, deviceID)
	}
	if err != nil {
		return nil, err
	}

	touch := ds.db.Rebind(`UPDATE devices SET last_seen = ? WHERE id = ?`)
	if _, err := ds.db.Exec(touch, time.Now().Unix(), device.ID); err != nil {
		return nil, err
	}
	return device, nil
}

// UpdateDevice applies a client's capability declaration.
func (ds *DeviceService) UpdateDevice(userID int, deviceID, caption, deviceType, data string) (*models.Device, error) {
	device, err := ds.EnsureDevice(userID, deviceID)
	if err != nil {
		return nil, err
	}

	if caption == "" {
		caption = device.Caption
	}
	switch deviceType {
	case models.DeviceMobile, models.DeviceDesktop, models.DeviceLaptop, models.DeviceServer, models.DeviceOther:
	case "":
		deviceType = device.Type
	default:
		return nil, fmt.Errorf("invalid device type %q", deviceType)
	}
	if data == "" {
		data = device.Data
	}

	update := ds.db.Rebind(`
		UPDATE devices SET caption = ?, type = ?, data = ?, last_seen = ? WHERE id = ?
	`)
	if _, err := ds.db.Exec(update, caption, deviceType, data, time.Now().Unix(), device.ID); err != nil {
		return nil, fmt.Errorf("failed to update device: %v", err)
	}
	return ds.GetDevice(userID, deviceID)
}

func (ds *DeviceService) GetDevice(userID int, deviceID string) (*models.Device, error) {
	query := ds.db.Rebind(`
		SELECT id, user_id, deviceid, COALESCE(caption, ''), type, COALESCE(data, ''), last_seen
		FROM devices WHERE user_id = ? AND deviceid = ?
	`)

	device := &models.Device{}
	err := ds.db.QueryRow(query, userID, deviceID).Scan(
		&device.ID, &device.UserID, &device.DeviceID, &device.Caption,
		&device.Type, &device.Data, &device.LastSeen,
	)
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (ds *DeviceService) ListDevices(userID int) ([]models.Device, error) {
	query := ds.db.Rebind(`
		SELECT id, user_id, deviceid, COALESCE(caption, ''), type, COALESCE(data, ''), last_seen
		FROM devices WHERE user_id = ? ORDER BY deviceid
	`)

	rows, err := ds.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		device := models.Device{}
		err := rows.Scan(
			&device.ID, &device.UserID, &device.DeviceID, &device.Caption,
			&device.Type, &device.Data, &device.LastSeen,
		)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}
