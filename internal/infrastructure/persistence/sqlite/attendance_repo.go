package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/campusflow/attendance-engine/internal/domain/attendance"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/pkg/timeutil"
)

// AttendanceRepository implements attendance.Repository.
type AttendanceRepository struct {
	db *sqlx.DB
}

var _ attendance.Repository = (*AttendanceRepository)(nil)

type studentRow struct {
	ID       string `db:"id"`
	Program  string `db:"program"`
	Year     int    `db:"year"`
	Semester int    `db:"semester"`
}

type markRow struct {
	SessionID string `db:"id"`
	SubjectID string `db:"subject_id"`
	Date      string `db:"session_date"`
	Present   bool   `db:"present"`
}

type countsRow struct {
	Conducted int `db:"conducted"`
	Attended  int `db:"attended"`
}

// historySelect joins the student's enrolled, conducted sessions with their
// records. Bind order: student id (enrollment), student id (record).
const historySelect = `
	SELECT s.id, s.subject_id, s.session_date, COALESCE(ar.present, 0) AS present
	FROM sessions s
	JOIN enrollments e ON e.subject_id = s.subject_id AND e.student_id = ?
	LEFT JOIN attendance_records ar ON ar.session_id = s.id AND ar.student_id = ?
	WHERE s.status = 'conducted'`

// ListStudentIDs pages through student ids in ascending order.
func (r *AttendanceRepository) ListStudentIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids,
		`SELECT id FROM students WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return ids, nil
}

// GetStudent returns the student or ErrStudentNotFound.
func (r *AttendanceRepository) GetStudent(ctx context.Context, id string) (*attendance.Student, error) {
	var row studentRow
	err := r.db.GetContext(ctx, &row, `SELECT id, program, year, semester FROM students WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get student: %w", err)
	}
	return &attendance.Student{ID: row.ID, Program: row.Program, Year: row.Year, Semester: row.Semester}, nil
}

// SubjectCounts counts every conducted session of the subject.
func (r *AttendanceRepository) SubjectCounts(ctx context.Context, studentID, subjectID string) (attendance.Counts, error) {
	var row countsRow
	err := r.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS conducted,
		       COALESCE(SUM(CASE WHEN ar.present = 1 THEN 1 ELSE 0 END), 0) AS attended
		FROM sessions s
		LEFT JOIN attendance_records ar ON ar.session_id = s.id AND ar.student_id = ?
		WHERE s.subject_id = ? AND s.status = 'conducted'`, studentID, subjectID)
	if err != nil {
		return attendance.Counts{}, fmt.Errorf("subject counts: %w", err)
	}
	return attendance.Counts(row), nil
}

// OverallCounts counts conducted sessions of the student's enrolled subjects.
func (r *AttendanceRepository) OverallCounts(ctx context.Context, studentID string) (attendance.Counts, error) {
	var row countsRow
	err := r.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS conducted,
		       COALESCE(SUM(CASE WHEN ar.present = 1 THEN 1 ELSE 0 END), 0) AS attended
		FROM sessions s
		JOIN enrollments e ON e.subject_id = s.subject_id AND e.student_id = ?
		LEFT JOIN attendance_records ar ON ar.session_id = s.id AND ar.student_id = ?
		WHERE s.status = 'conducted'`, studentID, studentID)
	if err != nil {
		return attendance.Counts{}, fmt.Errorf("overall counts: %w", err)
	}
	return attendance.Counts(row), nil
}

// ConductedHistory returns the full history, oldest first.
func (r *AttendanceRepository) ConductedHistory(ctx context.Context, studentID string) ([]attendance.Mark, error) {
	return r.marks(ctx, historySelect+` ORDER BY s.session_date ASC, s.id ASC`, studentID, studentID)
}

// RecentHistory returns the latest limit sessions, most recent first.
func (r *AttendanceRepository) RecentHistory(ctx context.Context, studentID string, limit int) ([]attendance.Mark, error) {
	return r.marks(ctx, historySelect+` ORDER BY s.session_date DESC, s.id DESC LIMIT ?`, studentID, studentID, limit)
}

// HistoryBetween returns sessions dated within [from, to], oldest first.
func (r *AttendanceRepository) HistoryBetween(ctx context.Context, studentID string, from, to time.Time) ([]attendance.Mark, error) {
	return r.marks(ctx,
		historySelect+` AND s.session_date BETWEEN ? AND ? ORDER BY s.session_date ASC, s.id ASC`,
		studentID, studentID, timeutil.FormatDate(from), timeutil.FormatDate(to))
}

func (r *AttendanceRepository) marks(ctx context.Context, query string, args ...any) ([]attendance.Mark, error) {
	var rows []markRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("attendance history: %w", err)
	}
	out := make([]attendance.Mark, 0, len(rows))
	for _, row := range rows {
		d, err := timeutil.ParseDate(row.Date)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", row.SessionID, err)
		}
		out = append(out, attendance.Mark{
			SessionID: row.SessionID,
			SubjectID: row.SubjectID,
			Date:      d,
			Present:   row.Present,
		})
	}
	return out, nil
}
