package common

import (
	"bytes"
	"database/sql"
	"text/template"
	"time"

	"github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	dbh *sql.DB

	// prepared statements
	updateKV         *sql.Stmt
	selectKV         *sql.Stmt
	insertJob        *sql.Stmt
	updateJobStatus  *sql.Stmt
	markJobStarted   *sql.Stmt
	markJobCompleted *sql.Stmt
	selectJob        *sql.Stmt
	recentJobs       *sql.Stmt
	jobsByStatus     *sql.Stmt
	purgeQueue       *sql.Stmt
	failOrphans      *sql.Stmt
	countJobs        *sql.Stmt
}

// DBJob is the job row as stored. Input and Output hold the raw JSON
// envelopes; timestamps for start/completion are unix milliseconds.
type DBJob struct {
	ID           string
	Task         string
	Runtime      string
	Input        []byte
	Status       string
	WorkerID     string
	Output       []byte
	ErrorMessage string
	ErrorType    string
	DurationMs   int64
	GPUMemory    int64
	CPUMemory    int64
	Webhook      string
	CreatedAt    string
	StartedAt    int64
	CompletedAt  int64
}

var DBVersion = 1

var schema = `
	CREATE TABLE IF NOT EXISTS kv (
		key STRING PRIMARY KEY,
		value STRING,
		updatedAt STRING DEFAULT CURRENT_TIMESTAMP
	);
	INSERT OR IGNORE INTO kv(key, value) VALUES('dbVersion', '{{ . }}');
	INSERT OR IGNORE INTO kv(key, value) VALUES('lastBoot', '0');
	CREATE TABLE IF NOT EXISTS jobs (
		id STRING PRIMARY KEY,
		task STRING,
		runtime STRING,
		input BLOB,
		status STRING DEFAULT 'IN_QUEUE',
		workerID STRING DEFAULT '',
		output BLOB,
		errorMessage STRING DEFAULT '',
		errorType STRING DEFAULT '',
		durationMs INTEGER DEFAULT 0,
		gpuMemory INTEGER DEFAULT 0,
		cpuMemory INTEGER DEFAULT 0,
		webhook STRING DEFAULT '',
		createdAt STRING DEFAULT CURRENT_TIMESTAMP,
		startedAt INTEGER DEFAULT 0,
		completedAt INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

func InitDB(dbPath string) (*DB, error) {
	d := DB{}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		glog.Error("Unable to open DB ", dbPath, err)
		return nil, err
	}
	d.dbh = db
	schemaBuf := new(bytes.Buffer)
	tmpl := template.Must(template.New("schema").Parse(schema))
	tmpl.Execute(schemaBuf, DBVersion)
	_, err = db.Exec(schemaBuf.String())
	if err != nil {
		glog.Error("Error initializing schema ", err)
		d.Close()
		return nil, err
	}

	stmt, err := db.Prepare("UPDATE kv SET value=?, updatedAt = datetime() WHERE key=?")
	if err != nil {
		glog.Error("Unable to prepare updatekv stmt ", err)
		d.Close()
		return nil, err
	}
	d.updateKV = stmt

	stmt, err = db.Prepare("SELECT value FROM kv WHERE key=?")
	if err != nil {
		glog.Error("Unable to prepare selectkv stmt ", err)
		d.Close()
		return nil, err
	}
	d.selectKV = stmt

	stmt, err = db.Prepare("INSERT INTO jobs(id, task, runtime, input, status, webhook) VALUES(?, ?, ?, ?, ?, ?)")
	if err != nil {
		glog.Error("Unable to prepare insertJob stmt ", err)
		d.Close()
		return nil, err
	}
	d.insertJob = stmt

	stmt, err = db.Prepare("UPDATE jobs SET status=? WHERE id=?")
	if err != nil {
		glog.Error("Unable to prepare updateJobStatus stmt ", err)
		d.Close()
		return nil, err
	}
	d.updateJobStatus = stmt

	stmt, err = db.Prepare("UPDATE jobs SET status=?, workerID=?, startedAt=? WHERE id=?")
	if err != nil {
		glog.Error("Unable to prepare markJobStarted stmt ", err)
		d.Close()
		return nil, err
	}
	d.markJobStarted = stmt

	stmt, err = db.Prepare(`UPDATE jobs SET status=?, output=?, errorMessage=?, errorType=?,
		durationMs=?, gpuMemory=?, cpuMemory=?, completedAt=? WHERE id=?`)
	if err != nil {
		glog.Error("Unable to prepare markJobCompleted stmt ", err)
		d.Close()
		return nil, err
	}
	d.markJobCompleted = stmt

	stmt, err = db.Prepare(`SELECT id, task, runtime, input, status, workerID, output,
		errorMessage, errorType, durationMs, gpuMemory, cpuMemory, webhook, createdAt, startedAt, completedAt
		FROM jobs WHERE id=?`)
	if err != nil {
		glog.Error("Unable to prepare selectJob stmt ", err)
		d.Close()
		return nil, err
	}
	d.selectJob = stmt

	stmt, err = db.Prepare(`SELECT id, task, runtime, input, status, workerID, output,
		errorMessage, errorType, durationMs, gpuMemory, cpuMemory, webhook, createdAt, startedAt, completedAt
		FROM jobs ORDER BY createdAt DESC LIMIT ?`)
	if err != nil {
		glog.Error("Unable to prepare recentJobs stmt ", err)
		d.Close()
		return nil, err
	}
	d.recentJobs = stmt

	stmt, err = db.Prepare(`SELECT id, task, runtime, input, status, workerID, output,
		errorMessage, errorType, durationMs, gpuMemory, cpuMemory, webhook, createdAt, startedAt, completedAt
		FROM jobs WHERE status=? ORDER BY createdAt ASC`)
	if err != nil {
		glog.Error("Unable to prepare jobsByStatus stmt ", err)
		d.Close()
		return nil, err
	}
	d.jobsByStatus = stmt

	stmt, err = db.Prepare("UPDATE jobs SET status=? WHERE status=?")
	if err != nil {
		glog.Error("Unable to prepare purgeQueue stmt ", err)
		d.Close()
		return nil, err
	}
	d.purgeQueue = stmt

	stmt, err = db.Prepare("UPDATE jobs SET status=?, errorMessage=?, errorType=? WHERE status=?")
	if err != nil {
		glog.Error("Unable to prepare failOrphans stmt ", err)
		d.Close()
		return nil, err
	}
	d.failOrphans = stmt

	stmt, err = db.Prepare("SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		glog.Error("Unable to prepare countJobs stmt ", err)
		d.Close()
		return nil, err
	}
	d.countJobs = stmt

	glog.V(DEBUG).Info("Initialized DB node")
	return &d, nil
}

func (db *DB) Close() {
	glog.V(DEBUG).Info("Closing DB")
	stmts := []*sql.Stmt{
		db.updateKV, db.selectKV, db.insertJob, db.updateJobStatus,
		db.markJobStarted, db.markJobCompleted, db.selectJob, db.recentJobs,
		db.jobsByStatus, db.purgeQueue, db.failOrphans, db.countJobs,
	}
	for _, s := range stmts {
		if s != nil {
			s.Close()
		}
	}
	if db.dbh != nil {
		db.dbh.Close()
	}
}

func (db *DB) SetKV(key, value string) error {
	if db == nil {
		return nil
	}
	_, err := db.updateKV.Exec(value, key)
	if err != nil {
		glog.Errorf("db: Got err updating kv %v: %v", key, err)
	}
	return err
}

func (db *DB) GetKV(key string) (string, error) {
	if db == nil {
		return "", nil
	}
	var value string
	if err := db.selectKV.QueryRow(key).Scan(&value); err != nil {
		return "", err
	}
	return value, nil
}

func (db *DB) SetLastBoot(t time.Time) error {
	if db == nil {
		return nil
	}
	glog.V(DEBUG).Info("db: Setting lastBoot to ", t.Unix())
	return db.SetKV("lastBoot", time.Unix(t.Unix(), 0).UTC().Format(time.RFC3339))
}

func (db *DB) InsertJob(j *DBJob) error {
	if db == nil {
		return nil
	}
	glog.V(DEBUG).Infof("db: Inserting job id=%v task=%v runtime=%v", j.ID, j.Task, j.Runtime)
	_, err := db.insertJob.Exec(j.ID, j.Task, j.Runtime, j.Input, j.Status, j.Webhook)
	if err != nil {
		glog.Errorf("db: Got err inserting job %v: %v", j.ID, err)
	}
	return err
}

func (db *DB) UpdateJobStatus(id, status string) error {
	if db == nil {
		return nil
	}
	_, err := db.updateJobStatus.Exec(status, id)
	if err != nil {
		glog.Errorf("db: Got err updating job status %v: %v", id, err)
	}
	return err
}

func (db *DB) MarkJobStarted(id, workerID, status string, startedAt time.Time) error {
	if db == nil {
		return nil
	}
	_, err := db.markJobStarted.Exec(status, workerID, startedAt.UnixMilli(), id)
	if err != nil {
		glog.Errorf("db: Got err marking job started %v: %v", id, err)
	}
	return err
}

func (db *DB) MarkJobCompleted(id, status string, output []byte, errMessage, errType string,
	durationMs, gpuMemory, cpuMemory int64, completedAt time.Time) error {
	if db == nil {
		return nil
	}
	_, err := db.markJobCompleted.Exec(status, output, errMessage, errType,
		durationMs, gpuMemory, cpuMemory, completedAt.UnixMilli(), id)
	if err != nil {
		glog.Errorf("db: Got err marking job completed %v: %v", id, err)
	}
	return err
}

func (db *DB) GetJob(id string) (*DBJob, error) {
	if db == nil {
		return nil, sql.ErrNoRows
	}
	row := db.selectJob.QueryRow(id)
	return scanJob(row)
}

func (db *DB) RecentJobs(limit int) ([]*DBJob, error) {
	if db == nil {
		return nil, nil
	}
	rows, err := db.recentJobs.Query(limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (db *DB) JobsByStatus(status string) ([]*DBJob, error) {
	if db == nil {
		return nil, nil
	}
	rows, err := db.jobsByStatus.Query(status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// PurgeQueue flips every queued job to the given terminal status and
// returns how many rows changed.
func (db *DB) PurgeQueue(queuedStatus, purgedStatus string) (int64, error) {
	if db == nil {
		return 0, nil
	}
	res, err := db.purgeQueue.Exec(purgedStatus, queuedStatus)
	if err != nil {
		glog.Error("db: Got err purging queue ", err)
		return 0, err
	}
	return res.RowsAffected()
}

// FailOrphanedJobs marks jobs left in a running state by an unclean
// shutdown as failed.
func (db *DB) FailOrphanedJobs(runningStatus, failedStatus, errMessage, errType string) (int64, error) {
	if db == nil {
		return 0, nil
	}
	res, err := db.failOrphans.Exec(failedStatus, errMessage, errType, runningStatus)
	if err != nil {
		glog.Error("db: Got err failing orphaned jobs ", err)
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) JobCounts() (map[string]int, error) {
	if db == nil {
		return nil, nil
	}
	rows, err := db.countJobs.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*DBJob, error) {
	j := &DBJob{}
	err := row.Scan(&j.ID, &j.Task, &j.Runtime, &j.Input, &j.Status, &j.WorkerID,
		&j.Output, &j.ErrorMessage, &j.ErrorType, &j.DurationMs, &j.GPUMemory,
		&j.CPUMemory, &j.Webhook, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*DBJob, error) {
	jobs := []*DBJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
