package goals

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/domain"
)

func TestInitialPhaseOpensImmediately(t *testing.T) {
	tr := NewTracker("bot-1", GoalProfit, DefaultRules(), nil)

	cur := tr.Current()
	assert.Equal(t, GoalProfit, cur.Goal)
	assert.Equal(t, PhaseActive, cur.Status)
	assert.Equal(t, TriggerAuto, cur.Trigger)
	assert.NotEmpty(t, cur.ID)
	assert.Len(t, tr.Timeline(), 1)
}

func TestSetGoalClosesAndOpens(t *testing.T) {
	tr := NewTracker("bot-1", GoalProfit, DefaultRules(), nil)
	tr.Observe(10, 5000)

	next := tr.SetGoal(GoalExploration, TriggerManual, "operator request")
	assert.Equal(t, GoalExploration, next.Goal)
	assert.Equal(t, 10, next.StartTurn)
	assert.Equal(t, int64(5000), next.Metrics.StartCredits)

	timeline := tr.Timeline()
	require.Len(t, timeline, 2)
	closed := timeline[0]
	assert.Equal(t, PhaseCompleted, closed.Status)
	assert.Equal(t, 10, closed.EndTurn)
	assert.Equal(t, int64(5000), closed.Metrics.EndCredits)
	assert.True(t, closed.Success, "credits moved up, so the phase succeeded")

	// setting the goal that is already active changes nothing
	again := tr.SetGoal(GoalExploration, TriggerManual, "again")
	assert.Equal(t, next.ID, again.ID)
	assert.Len(t, tr.Timeline(), 2)
}

func TestObserveAdvancesOnTurnBudget(t *testing.T) {
	rules := []Rule{{Goal: GoalExploration, MaxTurns: 5, Next: GoalProfit}}
	tr := NewTracker("bot-1", GoalExploration, rules, nil)

	assert.Nil(t, tr.Observe(3, 0))

	ch := tr.Observe(5, 0)
	require.NotNil(t, ch)
	assert.Equal(t, ChangeGoal, ch.Kind)
	assert.Equal(t, GoalProfit, tr.Current().Goal)
	assert.Contains(t, ch.To.Reason, "turn budget")

	// no credit movement means the budgeted phase failed
	assert.Equal(t, PhaseFailed, ch.From.Status)
	assert.False(t, ch.From.Success)
}

func TestObserveBudgetExitWithGainCompletes(t *testing.T) {
	rules := []Rule{{Goal: GoalBanking, MaxTurns: 5, Next: GoalProfit}}
	tr := NewTracker("bot-1", GoalBanking, rules, nil)

	ch := tr.Observe(5, 900)
	require.NotNil(t, ch)
	assert.Equal(t, PhaseCompleted, ch.From.Status)
	assert.True(t, ch.From.Success)
}

func TestObserveAdvancesOnCreditTarget(t *testing.T) {
	rules := []Rule{{Goal: GoalProfit, ExitCredits: 10000, Next: GoalBanking}}
	tr := NewTracker("bot-1", GoalProfit, rules, nil)

	assert.Nil(t, tr.Observe(2, 8000))

	ch := tr.Observe(4, 12000)
	require.NotNil(t, ch)
	assert.Equal(t, GoalBanking, tr.Current().Goal)
	assert.Contains(t, ch.To.Reason, "credit target")
	assert.Equal(t, PhaseCompleted, ch.From.Status)
}

func TestAllowedStrategies(t *testing.T) {
	rules := []Rule{
		{Goal: GoalProfit},
		{Goal: GoalBanking, Strategies: []string{"profitable_pairs"}},
	}
	tr := NewTracker("bot-1", GoalBanking, rules, nil)

	assert.True(t, tr.Allowed("profitable_pairs"))
	assert.False(t, tr.Allowed("ai_strategy"))

	tr.SetGoal(GoalProfit, TriggerManual, "open up")
	assert.True(t, tr.Allowed("ai_strategy"), "empty list allows everything")

	tr.SetGoal(GoalCombat, TriggerManual, "no rule for combat")
	assert.True(t, tr.Allowed("ai_strategy"))
}

func TestAnchorStackIsBounded(t *testing.T) {
	tr := NewTracker("bot-1", GoalProfit, nil, nil)
	for i := 0; i < maxAnchors+5; i++ {
		tr.Observe(i, int64(i)*100)
		tr.SetAnchor(fmt.Sprintf("a%d", i), 1000+i)
	}

	anchors := tr.Anchors()
	require.Len(t, anchors, maxAnchors)
	assert.Equal(t, "a5", anchors[0].Label, "oldest anchors fell off")

	latest, ok := tr.LatestAnchor()
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("a%d", maxAnchors+4), latest.Label)
	assert.Equal(t, int64(maxAnchors+4)*100, latest.Credits)
}

func TestRewindReentersEarlierGoal(t *testing.T) {
	tr := NewTracker("bot-1", GoalProfit, nil, nil)
	home := tr.SetAnchor("home", 1)

	tr.Observe(10, 5000)
	tr.SetGoal(GoalExploration, TriggerManual, "chart")
	tr.Observe(20, 6000)
	tr.SetGoal(GoalBanking, TriggerManual, "bank")

	phase, anchor, err := tr.Rewind(2, "stuck in banking")
	require.NoError(t, err)
	assert.Equal(t, GoalProfit, phase.Goal)
	assert.Equal(t, TriggerRewind, phase.Trigger)
	assert.Equal(t, 0, phase.StartTurn)
	require.NotNil(t, anchor)
	assert.Equal(t, home.ID, anchor.ID)
	assert.Equal(t, 1, anchor.Sector)

	timeline := tr.Timeline()
	require.Len(t, timeline, 4)
	assert.Equal(t, PhaseRewound, timeline[2].Status, "the abandoned banking phase is frozen")
	assert.Equal(t, phase.ID, timeline[3].ID)
}

func TestRewindDepthOutOfRange(t *testing.T) {
	tr := NewTracker("bot-1", GoalProfit, nil, nil)

	_, _, err := tr.Rewind(1, "nothing behind")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = tr.Rewind(0, "zero")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRewindToTurnPicksCoveringPhase(t *testing.T) {
	tr := NewTracker("bot-1", GoalProfit, nil, nil)
	tr.Observe(10, 1000)
	tr.SetGoal(GoalExploration, TriggerManual, "chart")
	tr.Observe(20, 1200)
	tr.SetGoal(GoalBanking, TriggerManual, "bank")

	phase, _, err := tr.RewindToTurn(12, "redo the charting run")
	require.NoError(t, err)
	assert.Equal(t, GoalExploration, phase.Goal)
	assert.Equal(t, 12, phase.StartTurn)

	_, _, err = tr.RewindToTurn(-5, "before time")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOnChangeHookSeesEveryTransition(t *testing.T) {
	rules := []Rule{{Goal: GoalProfit, ExitCredits: 500, Next: GoalBanking}}
	tr := NewTracker("bot-1", GoalProfit, rules, nil)

	var kinds []string
	tr.OnChange(func(ch Change) { kinds = append(kinds, ch.Kind) })

	tr.Observe(5, 600)                               // auto advance
	tr.SetGoal(GoalCombat, TriggerManual, "trouble") // explicit
	_, _, err := tr.Rewind(1, "back to banking")
	require.NoError(t, err)

	assert.Equal(t, []string{ChangeGoal, ChangeGoal, ChangeRewind}, kinds)
}

func TestRebuildMatchesTimeline(t *testing.T) {
	tr := NewTracker("bot-1", GoalProfit, nil, nil)

	var changes []Change
	tr.OnChange(func(ch Change) { changes = append(changes, ch) })

	tr.Observe(10, 100)
	tr.SetGoal(GoalExploration, TriggerManual, "a")
	tr.Observe(20, 200)
	tr.SetGoal(GoalBanking, TriggerManual, "b")
	_, _, err := tr.Rewind(1, "c")
	require.NoError(t, err)

	rebuilt := Rebuild(changes)
	timeline := tr.Timeline()
	require.Len(t, rebuilt, len(timeline))
	for i := range timeline {
		assert.Equal(t, timeline[i].ID, rebuilt[i].ID)
		assert.Equal(t, timeline[i].Goal, rebuilt[i].Goal)
		assert.Equal(t, timeline[i].Status, rebuilt[i].Status)
	}
}
