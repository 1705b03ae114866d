// Package attendance contains the attendance domain model of the engine.
//
// It defines:
//
//   - Entities: Student, Subject, Session, Record
//   - Value objects: SessionStatus, Mark, Counts, Stats
//   - Pure algorithms over ordered history: TailStreak, PerfectWeek,
//     CrossSubjectSequence
//   - The Repository contract implemented by the persistence layer
//
// # Attendance semantics
//
// Only conducted sessions count. A conducted session without an attendance
// record for the student is an implicit absence, never "unknown":
//
//	marks, _ := repo.ConductedHistory(ctx, studentID)
//	streak := attendance.TailStreak(marks)
//
// The package depends only on the standard library and pkg/timeutil.
package attendance
