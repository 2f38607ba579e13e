// Package enrollment answers course membership questions for the check-in pipeline.
package enrollment

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Checker is the course/enrollment collaborator.
type Checker interface {
	IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error)
	// Roster lists the students enrolled in a course.
	Roster(ctx context.Context, courseID string) ([]string, error)
}

// Static is an in-memory roster.
type Static struct {
	mu      sync.RWMutex
	courses map[string]map[string]struct{}
}

// NewStatic returns an empty roster.
func NewStatic() *Static {
	return &Static{courses: make(map[string]map[string]struct{})}
}

// Enroll adds students to a course.
func (s *Static) Enroll(courseID string, studentIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.courses[courseID]
	if !ok {
		set = make(map[string]struct{})
		s.courses[courseID] = set
	}
	for _, id := range studentIDs {
		set[id] = struct{}{}
	}
}

// ParseSeed builds a roster from "course=student,student;course=student".
func ParseSeed(seed string) (*Static, error) {
	s := NewStatic()
	for _, group := range strings.Split(seed, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		course, students, ok := strings.Cut(group, "=")
		course = strings.TrimSpace(course)
		if !ok || course == "" {
			return nil, fmt.Errorf("enrollment: bad seed group %q", group)
		}
		var ids []string
		for _, id := range strings.Split(students, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		s.Enroll(course, ids...)
	}
	return s, nil
}

func (s *Static) IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.courses[courseID][studentID]
	return ok, nil
}

func (s *Static) Roster(ctx context.Context, courseID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.courses[courseID]))
	for id := range s.courses[courseID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Postgres reads the enrollments table maintained by the course service.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a checker over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2 AND active)
	`, studentID, courseID).Scan(&ok)
	return ok, err
}

func (p *Postgres) Roster(ctx context.Context, courseID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT student_id FROM enrollments WHERE course_id = $1 AND active ORDER BY student_id
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
