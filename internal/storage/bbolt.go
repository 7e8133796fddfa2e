package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"dialog/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers     = []byte("users")
	bucketUsernames = []byte("usernames")
	bucketMessages  = []byte("messages")
	bucketUnread    = []byte("unread")
	bucketContacts  = []byte("contacts")
)

// pairKey keys the unread and contacts buckets by a (user, other) pair.
// User IDs are UUIDs, so "/" never appears in either part.
func pairKey(userID, otherID string) []byte {
	return []byte(userID + "/" + otherID)
}

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketUsernames, bucketMessages, bucketUnread, bucketContacts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// CreateUser stores a new user with their password hash.
// Fails with models.ErrUserExists if the username is already taken.
func (s *BboltStorage) CreateUser(user models.User, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketUsernames)
		if names.Get([]byte(user.Username)) != nil {
			return models.ErrUserExists
		}

		dbUser := &DBUser{
			ID:           user.ID,
			Username:     user.Username,
			PasswordHash: passwordHash,
			CreatedAt:    s.now().Unix(),
			LastSeen:     user.LastSeen,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put(dbUser.Key(), data); err != nil {
			return err
		}
		return names.Put([]byte(user.Username), []byte(user.ID))
	})
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = models.User{
			ID:       dbUser.ID,
			Username: dbUser.Username,
			LastSeen: dbUser.LastSeen,
		}
		return nil
	})
	return user, err
}

// GetUserByName returns the user and their password hash for login checks.
func (s *BboltStorage) GetUserByName(username string) (models.User, string, error) {
	var (
		user models.User
		hash string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(username))
		if id == nil {
			return models.ErrNotFound
		}
		data := tx.Bucket(bucketUsers).Get(id)
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = models.User{
			ID:       dbUser.ID,
			Username: dbUser.Username,
			LastSeen: dbUser.LastSeen,
		}
		hash = dbUser.PasswordHash
		return nil
	})
	return user, hash, err
}

func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, models.User{
				ID:       dbUser.ID,
				Username: dbUser.Username,
				LastSeen: dbUser.LastSeen,
			})
			return nil
		})
	})
	return users, err
}

// TouchLastSeen records when a user was last connected.
func (s *BboltStorage) TouchLastSeen(userID string, ts int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		dbUser.LastSeen = ts
		updated, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), updated)
	})
}

// AppendMessage persists a new message in state pending. The message ID is
// taken from the conversation bucket's sequence, so IDs are monotonically
// increasing within a conversation. The same transaction bumps the unread
// index for (recipient, sender) and records the contact relationship in both
// directions, keeping all three derivable quantities consistent.
func (s *BboltStorage) AppendMessage(senderID, recipientID, content string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convID := models.ConversationID(senderID, recipientID)
		conv, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(convID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		seq, err := conv.NextSequence()
		if err != nil {
			return err
		}

		dbMsg := DBMessage{
			ID:          int64(seq),
			SenderID:    senderID,
			RecipientID: recipientID,
			Content:     content,
			CreatedAt:   s.now().Unix(),
			State:       string(models.StatePending),
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := conv.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		if err := bumpCounter(tx.Bucket(bucketUnread), pairKey(recipientID, senderID)); err != nil {
			return err
		}

		contacts := tx.Bucket(bucketContacts)
		if err := contacts.Put(pairKey(senderID, recipientID), nil); err != nil {
			return err
		}
		if err := contacts.Put(pairKey(recipientID, senderID), nil); err != nil {
			return err
		}

		msg = models.Message{
			ID:          dbMsg.ID,
			SenderID:    dbMsg.SenderID,
			RecipientID: dbMsg.RecipientID,
			Content:     dbMsg.Content,
			CreatedAt:   dbMsg.CreatedAt,
			State:       models.StatePending,
		}
		return nil
	})
	return msg, err
}

// SetMessageState advances a message's delivery state. Backwards transitions
// are silently ignored so late "delivered" confirmations cannot undo "read".
func (s *BboltStorage) SetMessageState(senderID, recipientID string, messageID int64, state models.DeliveryState) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		convID := models.ConversationID(senderID, recipientID)
		conv := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if conv == nil {
			return models.ErrNotFound
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(messageID))
		data := conv.Get(key)
		if data == nil {
			return models.ErrNotFound
		}

		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(data); err != nil {
			return err
		}
		if state.Rank() <= models.DeliveryState(dbMsg.State).Rank() {
			return nil
		}
		dbMsg.State = string(state)

		updated, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		return conv.Put(key, updated)
	})
}

// ListConversation returns messages between two users, newest-last.
// Offset is counted from the newest message backwards, so offset 0 with
// limit N returns the N most recent messages in chronological order.
func (s *BboltStorage) ListConversation(userA, userB string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convID := models.ConversationID(userA, userB)
		conv := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if conv == nil {
			return nil // no messages yet
		}

		c := conv.Cursor()
		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			if len(messages) == limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				ID:          dbMsg.ID,
				SenderID:    dbMsg.SenderID,
				RecipientID: dbMsg.RecipientID,
				Content:     dbMsg.Content,
				CreatedAt:   dbMsg.CreatedAt,
				State:       models.DeliveryState(dbMsg.State),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Collected newest-first, reverse to newest-last.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkConversationRead transitions every pending or delivered message from
// senderID to recipientID to read and zeroes the unread index entry in the
// same transaction. Returns the number of messages transitioned. Calling it
// again is a no-op.
func (s *BboltStorage) MarkConversationRead(recipientID, senderID string) (int, error) {
	transitioned := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convID := models.ConversationID(recipientID, senderID)
		conv := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if conv != nil {
			c := conv.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var dbMsg DBMessage
				if err := dbMsg.UnmarshalBinary(v); err != nil {
					return err
				}
				if dbMsg.SenderID != senderID || dbMsg.State == string(models.StateRead) {
					continue
				}
				dbMsg.State = string(models.StateRead)
				updated, err := dbMsg.MarshalBinary()
				if err != nil {
					return err
				}
				if err := conv.Put(dbMsg.Key(), updated); err != nil {
					return err
				}
				transitioned++
			}
		}
		return tx.Bucket(bucketUnread).Delete(pairKey(recipientID, senderID))
	})
	if err != nil {
		return 0, err
	}
	return transitioned, nil
}

// UnreadCounts returns the per-sender unread counts for a user from the
// unread index bucket.
func (s *BboltStorage) UnreadCounts(userID string) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketUnread).Cursor()
		prefix := []byte(userID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			senderID := string(k[len(prefix):])
			counts[senderID] = int(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return counts, err
}

// Contacts returns the users that userID has exchanged at least one message
// with, used to scope presence broadcasts.
func (s *BboltStorage) Contacts(userID string) ([]string, error) {
	var contacts []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketContacts).Cursor()
		prefix := []byte(userID + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			contacts = append(contacts, string(k[len(prefix):]))
		}
		return nil
	})
	return contacts, err
}

func bumpCounter(b *bbolt.Bucket, key []byte) error {
	var count uint64
	if data := b.Get(key); data != nil {
		count = binary.BigEndian.Uint64(data)
	}
	count++
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, count)
	return b.Put(key, data)
}
