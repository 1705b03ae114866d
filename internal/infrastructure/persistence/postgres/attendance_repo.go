package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/campusflow/attendance-engine/internal/domain/attendance"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ATTENDANCE REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// AttendanceRepository implements attendance.Repository for PostgreSQL.
type AttendanceRepository struct {
	conn *Connection
}

var _ attendance.Repository = (*AttendanceRepository)(nil)

// NewAttendanceRepository creates a new AttendanceRepository.
func NewAttendanceRepository(conn *Connection) *AttendanceRepository {
	return &AttendanceRepository{conn: conn}
}

// historySelect joins the student's enrolled, conducted sessions with the
// student's records; $1 is the student id.
const historySelect = `
	SELECT s.id, s.subject_id, s.session_date, COALESCE(ar.present, FALSE)
	FROM sessions s
	JOIN enrollments e ON e.subject_id = s.subject_id AND e.student_id = $1
	LEFT JOIN attendance_records ar ON ar.session_id = s.id AND ar.student_id = $1
	WHERE s.status = 'conducted'`

// ListStudentIDs pages through student ids in ascending order.
func (r *AttendanceRepository) ListStudentIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := r.conn.Query(ctx,
		`SELECT id FROM students WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return ids, nil
}

// GetStudent returns the student or ErrStudentNotFound.
func (r *AttendanceRepository) GetStudent(ctx context.Context, id string) (*attendance.Student, error) {
	var s attendance.Student
	err := r.conn.QueryRow(ctx,
		`SELECT id, program, year, semester FROM students WHERE id = $1`, id,
	).Scan(&s.ID, &s.Program, &s.Year, &s.Semester)
	if IsNoRows(err) {
		return nil, shared.ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get student: %w", err)
	}
	return &s, nil
}

// SubjectCounts counts every conducted session of the subject.
func (r *AttendanceRepository) SubjectCounts(ctx context.Context, studentID, subjectID string) (attendance.Counts, error) {
	return r.counts(ctx, "subject counts", `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE ar.present)
		FROM sessions s
		LEFT JOIN attendance_records ar ON ar.session_id = s.id AND ar.student_id = $1
		WHERE s.subject_id = $2 AND s.status = 'conducted'`, studentID, subjectID)
}

// OverallCounts counts conducted sessions of the student's enrolled subjects.
func (r *AttendanceRepository) OverallCounts(ctx context.Context, studentID string) (attendance.Counts, error) {
	return r.counts(ctx, "overall counts", `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE ar.present)
		FROM sessions s
		JOIN enrollments e ON e.subject_id = s.subject_id AND e.student_id = $1
		LEFT JOIN attendance_records ar ON ar.session_id = s.id AND ar.student_id = $1
		WHERE s.status = 'conducted'`, studentID)
}

func (r *AttendanceRepository) counts(ctx context.Context, op, query string, args ...any) (attendance.Counts, error) {
	var c attendance.Counts
	if err := r.conn.QueryRow(ctx, query, args...).Scan(&c.Conducted, &c.Attended); err != nil {
		return attendance.Counts{}, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

// ConductedHistory returns the full history, oldest first.
func (r *AttendanceRepository) ConductedHistory(ctx context.Context, studentID string) ([]attendance.Mark, error) {
	return r.marks(ctx, historySelect+` ORDER BY s.session_date, s.id`, studentID)
}

// RecentHistory returns the latest limit sessions, most recent first.
func (r *AttendanceRepository) RecentHistory(ctx context.Context, studentID string, limit int) ([]attendance.Mark, error) {
	return r.marks(ctx, historySelect+` ORDER BY s.session_date DESC, s.id DESC LIMIT $2`, studentID, limit)
}

// HistoryBetween returns sessions dated within [from, to], oldest first.
func (r *AttendanceRepository) HistoryBetween(ctx context.Context, studentID string, from, to time.Time) ([]attendance.Mark, error) {
	return r.marks(ctx,
		historySelect+` AND s.session_date BETWEEN $2 AND $3 ORDER BY s.session_date, s.id`,
		studentID, from, to)
}

func (r *AttendanceRepository) marks(ctx context.Context, query string, args ...any) ([]attendance.Mark, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("attendance history: %w", err)
	}
	marks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (attendance.Mark, error) {
		var m attendance.Mark
		err := row.Scan(&m.SessionID, &m.SubjectID, &m.Date, &m.Present)
		m.Date = m.Date.UTC()
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("attendance history: %w", err)
	}
	return marks, nil
}
