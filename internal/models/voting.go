package models

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

type CodeState string

const (
	CodeStateUnused     CodeState = "unused"
	CodeStateChallenged CodeState = "challenged"
	CodeStateUnlocked   CodeState = "unlocked"
	CodeStateSpent      CodeState = "spent"
)

// VoteCode is one single-use voting credential. A code only ever moves
// forward: unused -> challenged -> unlocked -> spent. The one exception is
// re-verification of a code whose challenge session expired, which rewinds
// it to challenged with a fresh token.
type VoteCode struct {
	ID              bson.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	Code            string        `bson:"code" json:"code"`
	State           CodeState     `bson:"state" json:"state"`
	ChallengeToken  string        `bson:"challengeToken,omitempty" json:"-"`
	ContinuationKey string        `bson:"continuationKey,omitempty" json:"-"`
	Disabled        bool          `bson:"disabled" json:"-"`
	CreatedAt       int64         `bson:"createdAt" json:"createdAt"`
	ExpiresAt       int64         `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
}

// Usable reports whether the code can still participate in the voting flow
// at the given unix timestamp.
func (v *VoteCode) Usable(now int64) bool {
	if v.Disabled || v.State == CodeStateSpent {
		return false
	}
	if v.ExpiresAt > 0 && now >= v.ExpiresAt {
		return false
	}
	return true
}

type Teacher struct {
	ID          bson.ObjectID `bson:"_id,omitempty" json:"id"`
	Name        string        `bson:"name" json:"name"`
	Gender      *bool         `bson:"gender,omitempty" json:"gender,omitempty"`
	Subjects    []string      `bson:"subjects" json:"subjects"`
	Description string        `bson:"description,omitempty" json:"description,omitempty"`
	Disabled    bool          `bson:"disabled" json:"-"`
}

type TeacherImage struct {
	ID        bson.ObjectID `bson:"_id,omitempty" json:"id"`
	TeacherID bson.ObjectID `bson:"teacherId" json:"teacherId"`
	Image     []byte        `bson:"image" json:"-"`
	Disabled  bool          `bson:"disabled" json:"-"`
}

// RatingSet carries the per-teacher ratings of one submission. Overall is
// mandatory; every other category is optional and zero means "not rated".
// All rated values must lie in [RatingMin, RatingMax].
type RatingSet struct {
	Overall           int `json:"overall" bson:"overall"`
	Understandability int `json:"understandability,omitempty" bson:"understandability,omitempty"`
	Helpfulness       int `json:"helpfulness,omitempty" bson:"helpfulness,omitempty"`
	Fairness          int `json:"fairness,omitempty" bson:"fairness,omitempty"`
	Clarity           int `json:"clarity,omitempty" bson:"clarity,omitempty"`
	HomeworkAmount    int `json:"homeworkAmount,omitempty" bson:"homeworkAmount,omitempty"`
	ExamDifficulty    int `json:"examDifficulty,omitempty" bson:"examDifficulty,omitempty"`
	Humor             int `json:"humor,omitempty" bson:"humor,omitempty"`
	Character         int `json:"character,omitempty" bson:"character,omitempty"`
	Style             int `json:"style,omitempty" bson:"style,omitempty"`
}

const (
	RatingMin = 1
	RatingMax = 10
)

// RatingFields lists the submittable rating categories, exposed through the
// vote options endpoint so clients can build their forms dynamically.
func RatingFields() []string {
	return []string{
		"overall",
		"understandability",
		"helpfulness",
		"fairness",
		"clarity",
		"homeworkAmount",
		"examDifficulty",
		"humor",
		"character",
		"style",
	}
}

// categories pairs each optional field with its value for bounds checking.
func (r *RatingSet) categories() map[string]int {
	return map[string]int{
		"understandability": r.Understandability,
		"helpfulness":       r.Helpfulness,
		"fairness":          r.Fairness,
		"clarity":           r.Clarity,
		"homeworkAmount":    r.HomeworkAmount,
		"examDifficulty":    r.ExamDifficulty,
		"humor":             r.Humor,
		"character":         r.Character,
		"style":             r.Style,
	}
}

// InvalidField returns the name of the first out-of-bounds rating field, or
// "" when the set is valid.
func (r *RatingSet) InvalidField() string {
	if r.Overall < RatingMin || r.Overall > RatingMax {
		return "overall"
	}
	for field, value := range r.categories() {
		if value != 0 && (value < RatingMin || value > RatingMax) {
			return field
		}
	}
	return ""
}

// Vote is one recorded rating batch entry. Rows are append-only; nothing in
// this service updates or deletes them.
type Vote struct {
	ID          bson.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	TeacherID   bson.ObjectID `bson:"teacherId" json:"teacherId"`
	Ratings     RatingSet     `bson:"ratings" json:"ratings"`
	SubmittedAt int64         `bson:"submittedAt" json:"submittedAt"`
	SourceIP    string        `bson:"sourceIp,omitempty" json:"-"`
	VoteCodeRef string        `bson:"voteCodeRef" json:"-"`
}

// ChallengeSession is the ephemeral record a challenge token points at. It
// lives in Redis under the token with a TTL; an expired session simply reads
// as absent.
type ChallengeSession struct {
	Code       string   `json:"code"`
	IssuedAt   int64    `json:"issuedAt"`
	Solved     bool     `json:"solved"`
	TeacherIDs []string `json:"teacherIds,omitempty"`
}

// SnapshotContains reports whether the given teacher id was part of the
// catalog snapshot taken when the session was solved.
func (s *ChallengeSession) SnapshotContains(teacherID string) bool {
	for _, id := range s.TeacherIDs {
		if id == teacherID {
			return true
		}
	}
	return false
}

// DTOs and Requests

type VerifyRequest struct {
	Code string `json:"code"`
}

type SolveRequest struct {
	Code      string `json:"code"`
	Challenge string `json:"challenge"`
}

type SubmitRequest struct {
	Code            string               `json:"code"`
	ContinuationKey string               `json:"continuationKey"`
	Ratings         map[string]RatingSet `json:"ratings"`
}

// TeacherInfo is the voter-facing projection of a teacher record.
type TeacherInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Gender      *bool    `json:"gender,omitempty"`
	Subjects    []string `json:"subjects"`
	Description string   `json:"description,omitempty"`
}
