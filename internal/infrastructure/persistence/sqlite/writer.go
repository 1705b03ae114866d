package sqlite

import (
	"context"
	"fmt"

	"github.com/campusflow/attendance-engine/internal/domain/attendance"
	"github.com/campusflow/attendance-engine/pkg/timeutil"
)

// Writes below stand in for the scheduling and ingestion pipelines that own
// this data in production. They upsert so fixtures can be replayed.

// SaveStudent inserts or updates a student.
func (s *Store) SaveStudent(ctx context.Context, st attendance.Student) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (id, program, year, semester) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			program = excluded.program, year = excluded.year, semester = excluded.semester`,
		st.ID, st.Program, st.Year, st.Semester)
	if err != nil {
		return fmt.Errorf("save student %s: %w", st.ID, err)
	}
	return nil
}

// SaveSubject inserts or updates a subject.
func (s *Store) SaveSubject(ctx context.Context, sub attendance.Subject) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subjects (id, code, name) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET code = excluded.code, name = excluded.name`,
		sub.ID, sub.Code, sub.Name)
	if err != nil {
		return fmt.Errorf("save subject %s: %w", sub.ID, err)
	}
	return nil
}

// Enroll tracks the student against the subject.
func (s *Store) Enroll(ctx context.Context, studentID, subjectID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollments (student_id, subject_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		studentID, subjectID)
	if err != nil {
		return fmt.Errorf("enroll %s in %s: %w", studentID, subjectID, err)
	}
	return nil
}

// SaveSession inserts or updates a session.
func (s *Store) SaveSession(ctx context.Context, sess attendance.Session) error {
	if !sess.Status.IsValid() {
		return fmt.Errorf("save session %s: invalid status %q", sess.ID, sess.Status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, subject_id, session_date, status) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			subject_id = excluded.subject_id, session_date = excluded.session_date, status = excluded.status`,
		sess.ID, sess.SubjectID, timeutil.FormatDate(sess.Date), string(sess.Status))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// SaveRecord inserts or updates an attendance mark.
func (s *Store) SaveRecord(ctx context.Context, rec attendance.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attendance_records (session_id, student_id, present) VALUES (?, ?, ?)
		ON CONFLICT (session_id, student_id) DO UPDATE SET present = excluded.present`,
		rec.SessionID, rec.StudentID, rec.Present)
	if err != nil {
		return fmt.Errorf("save record %s/%s: %w", rec.SessionID, rec.StudentID, err)
	}
	return nil
}
