package db

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/foresightd/foresight/domain"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the storage handle. It is constructed explicitly and passed into
// the components that need it so tests can substitute an in-memory store.
type DB struct {
	db *sql.DB
}

const (
	//Accounts (owned by the user subsystem; the federation core reads them)
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id uuid NOT NULL PRIMARY KEY,
                        username varchar(100) UNIQUE NOT NULL,
                        bio text DEFAULT '',
                        created_at timestamp default current_timestamp
                        )`
	sqlInsertAccount           = `INSERT INTO accounts(id, username, bio, created_at) VALUES (?, ?, ?, ?)`
	sqlSelectAccountById       = `SELECT id, username, bio, created_at FROM accounts WHERE id = ?`
	sqlSelectAccountByUsername = `SELECT id, username, bio, created_at FROM accounts WHERE username = ?`

	//Posts (owned by the post subsystem; only read here)
	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts(
                        id uuid NOT NULL PRIMARY KEY,
                        user_id uuid NOT NULL,
                        content varchar(2000),
                        image_url text DEFAULT '',
                        created_at timestamp default current_timestamp,
                        parent_id uuid
                        )`
	sqlInsertPost              = `INSERT INTO posts(id, user_id, content, image_url, created_at, parent_id) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectPostById          = `SELECT id, user_id, content, image_url, created_at, parent_id FROM posts WHERE id = ?`
	sqlSelectTopPostsByUserId  = `SELECT id, user_id, content, image_url, created_at, parent_id FROM posts
                                                            WHERE user_id = ? AND parent_id IS NULL
                                                            ORDER BY created_at DESC LIMIT ? OFFSET ?`
	sqlCountTopPostsByUserId = `SELECT COUNT(*) FROM posts WHERE user_id = ? AND parent_id IS NULL`

	sqlSelectRecentTopPosts = `SELECT p.id, p.user_id, p.content, p.image_url, p.created_at, p.parent_id, a.username
                                                            FROM posts p INNER JOIN accounts a ON a.id = p.user_id
                                                            WHERE p.parent_id IS NULL
                                                            ORDER BY p.created_at DESC LIMIT ?`
)

// Open opens (or creates) the sqlite database at path and tunes it for a
// concurrent federation workload.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	store := &DB{db: sqlDB}
	if err := store.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return store, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) CreateAccount(username string, bio string) (*domain.Account, error) {
	acc := &domain.Account{
		Id:        uuid.New(),
		Username:  username,
		Bio:       bio,
		CreatedAt: time.Now(),
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount, acc.Id.String(), acc.Username, acc.Bio, acc.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (db *DB) ReadAccountByUsername(username string) (*domain.Account, error) {
	row := db.db.QueryRow(sqlSelectAccountByUsername, username)
	return scanAccount(row)
}

func (db *DB) ReadAccountById(id uuid.UUID) (*domain.Account, error) {
	row := db.db.QueryRow(sqlSelectAccountById, id.String())
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*domain.Account, error) {
	var acc domain.Account
	var idStr string
	err := row.Scan(&idStr, &acc.Username, &acc.Bio, &acc.CreatedAt)
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	return &acc, nil
}

func (db *DB) CreatePost(userId uuid.UUID, content string, imageURL string, parentId *uuid.UUID) (*domain.Post, error) {
	post := &domain.Post{
		Id:        uuid.New(),
		UserId:    userId,
		Content:   content,
		ImageURL:  imageURL,
		CreatedAt: time.Now(),
		ParentId:  parentId,
	}
	var parent any
	if parentId != nil {
		parent = parentId.String()
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPost, post.Id.String(), post.UserId.String(), post.Content, post.ImageURL, post.CreatedAt, parent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return post, nil
}

func (db *DB) ReadPostById(id uuid.UUID) (*domain.Post, error) {
	row := db.db.QueryRow(sqlSelectPostById, id.String())
	var post domain.Post
	var idStr, userIdStr string
	var parentStr sql.NullString
	err := row.Scan(&idStr, &userIdStr, &post.Content, &post.ImageURL, &post.CreatedAt, &parentStr)
	if err != nil {
		return nil, err
	}
	post.Id, _ = uuid.Parse(idStr)
	post.UserId, _ = uuid.Parse(userIdStr)
	if parentStr.Valid {
		parent, perr := uuid.Parse(parentStr.String)
		if perr == nil {
			post.ParentId = &parent
		}
	}
	return &post, nil
}

// ReadTopPostsByUserId returns top-level posts newest first, for the
// outbox collection and the RSS feed.
func (db *DB) ReadTopPostsByUserId(userId uuid.UUID, limit int, offset int) ([]domain.Post, error) {
	rows, err := db.db.Query(sqlSelectTopPostsByUserId, userId.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var post domain.Post
		var idStr, userIdStr string
		var parentStr sql.NullString
		if err := rows.Scan(&idStr, &userIdStr, &post.Content, &post.ImageURL, &post.CreatedAt, &parentStr); err != nil {
			return posts, err
		}
		post.Id, _ = uuid.Parse(idStr)
		post.UserId, _ = uuid.Parse(userIdStr)
		if parentStr.Valid {
			parent, perr := uuid.Parse(parentStr.String)
			if perr == nil {
				post.ParentId = &parent
			}
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// ReadRecentTopPosts returns the newest top-level posts across all
// users with their author's username, for the site-wide feed.
func (db *DB) ReadRecentTopPosts(limit int) ([]domain.FeedPost, error) {
	rows, err := db.db.Query(sqlSelectRecentTopPosts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.FeedPost
	for rows.Next() {
		var entry domain.FeedPost
		var idStr, userIdStr string
		var parentStr sql.NullString
		if err := rows.Scan(&idStr, &userIdStr, &entry.Content, &entry.ImageURL, &entry.CreatedAt, &parentStr, &entry.Username); err != nil {
			return posts, err
		}
		entry.Id, _ = uuid.Parse(idStr)
		entry.UserId, _ = uuid.Parse(userIdStr)
		posts = append(posts, entry)
	}
	return posts, rows.Err()
}

func (db *DB) CountTopPostsByUserId(userId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountTopPostsByUserId, userId.String()).Scan(&n)
	return n, err
}

// wrapTransaction runs the given function within a transaction, retrying
// on SQLITE_BUSY.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}
