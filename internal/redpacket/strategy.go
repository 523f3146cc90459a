package redpacket

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/model"
)

// EvalInput 策略评估所需的全部输入。引擎在锁内读好计数后传入，策略本身无状态。
type EvalInput struct {
	Drop        *model.Drop
	Account     model.Account
	HourlyCount int
	LastReplyAt time.Time
	Now         time.Time
}

// Strategy 计算参与概率 [0,1]。
type Strategy interface {
	Name() string
	Evaluate(in EvalInput) float64
}

// Random 固定概率；Probability 为 0 时使用账号的 redpacketProbabilityBase。
type Random struct {
	Probability float64
}

func (Random) Name() string { return "random" }

func (s Random) Evaluate(in EvalInput) float64 {
	if s.Probability > 0 {
		return clamp(s.Probability)
	}
	return clamp(in.Account.Policy.RedpacketProbabilityBase)
}

type TimeWindow struct {
	StartHour   int
	EndHour     int
	Probability float64
}

// contains 支持跨零点窗口，如 22-6。
func (w TimeWindow) contains(hour int) bool {
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

type TimeOfDay struct {
	Windows []TimeWindow
	Default float64
}

func (TimeOfDay) Name() string { return "time_of_day" }

func (s TimeOfDay) Evaluate(in EvalInput) float64 {
	h := in.Now.Hour()
	for _, w := range s.Windows {
		if w.contains(h) {
			return clamp(w.Probability)
		}
	}
	return clamp(s.Default)
}

// Frequency 根据本小时剩余额度给出概率，冷却期内为 0。
type Frequency struct {
	MaxPerHour int
	OneLeft    float64
	TwoLeft    float64
	Plenty     float64
	Cooldown   time.Duration
}

func (Frequency) Name() string { return "frequency" }

func (s Frequency) Evaluate(in EvalInput) float64 {
	if s.Cooldown > 0 && !in.LastReplyAt.IsZero() && in.Now.Sub(in.LastReplyAt) < s.Cooldown {
		return 0
	}
	if s.MaxPerHour <= 0 {
		return clamp(s.Plenty)
	}
	switch remaining := s.MaxPerHour - in.HourlyCount; {
	case remaining <= 0:
		return 0
	case remaining == 1:
		return clamp(s.OneLeft)
	case remaining == 2:
		return clamp(s.TwoLeft)
	default:
		return clamp(s.Plenty)
	}
}

type AmountTier struct {
	Min         decimal.Decimal
	Probability float64
}

// AmountBased 按金额档位取概率，金额未知时取 Default。
type AmountBased struct {
	Tiers   []AmountTier
	Default float64
}

func (AmountBased) Name() string { return "amount" }

func (s AmountBased) Evaluate(in EvalInput) float64 {
	if in.Drop == nil || in.Drop.Amount == nil {
		return clamp(s.Default)
	}
	amt := *in.Drop.Amount
	best := -1
	for i, t := range s.Tiers {
		if amt.GreaterThanOrEqual(t.Min) && (best < 0 || t.Min.GreaterThan(s.Tiers[best].Min)) {
			best = i
		}
	}
	if best < 0 {
		return clamp(s.Default)
	}
	return clamp(s.Tiers[best].Probability)
}

type Weighted struct {
	Strategy Strategy
	Weight   float64
}

// Composite 加权平均，按总权重归一化；没有子策略或总权重为 0 时返回 0.5。
type Composite struct {
	Items []Weighted
}

func (Composite) Name() string { return "composite" }

func (s Composite) Evaluate(in EvalInput) float64 {
	var sum, total float64
	for _, it := range s.Items {
		if it.Strategy == nil || it.Weight <= 0 {
			continue
		}
		sum += it.Strategy.Evaluate(in) * it.Weight
		total += it.Weight
	}
	if total <= 0 {
		return 0.5
	}
	return clamp(sum / total)
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// BuildStrategy 由配置组装 Composite。
func BuildStrategy(cfg config.RedpacketConfig) (Strategy, error) {
	var items []Weighted
	for _, sc := range cfg.Strategies {
		var s Strategy
		switch strings.ToLower(sc.Kind) {
		case "random":
			s = Random{}
		case "time_of_day", "timeofday":
			tw := TimeOfDay{Default: cfg.ProbabilityBase}
			for _, w := range cfg.TimeOfDay {
				tw.Windows = append(tw.Windows, TimeWindow{StartHour: w.StartHour, EndHour: w.EndHour, Probability: w.Probability})
			}
			s = tw
		case "frequency":
			s = Frequency{
				MaxPerHour: cfg.MaxPerHour,
				OneLeft:    cfg.Frequency.OneLeft,
				TwoLeft:    cfg.Frequency.TwoLeft,
				Plenty:     cfg.Frequency.Plenty,
				Cooldown:   cfg.Cooldown(),
			}
		case "amount", "amount_based":
			ab := AmountBased{Default: cfg.ProbabilityBase}
			for _, t := range cfg.AmountTiers {
				min, err := decimal.NewFromString(t.Min)
				if err != nil {
					return nil, fmt.Errorf("amount tier %q: %w", t.Min, err)
				}
				ab.Tiers = append(ab.Tiers, AmountTier{Min: min, Probability: t.Probability})
			}
			sort.Slice(ab.Tiers, func(i, j int) bool { return ab.Tiers[i].Min.LessThan(ab.Tiers[j].Min) })
			s = ab
		default:
			return nil, fmt.Errorf("unknown strategy %q", sc.Kind)
		}
		items = append(items, Weighted{Strategy: s, Weight: sc.Weight})
	}
	return Composite{Items: items}, nil
}
