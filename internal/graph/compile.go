package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"trade-builder/internal/ast"
	"trade-builder/internal/model"
	"trade-builder/internal/service"
	"trade-builder/pkg/ta"
)

// 图的名称，用于错误信息
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Condition 是一张图编译后的条件树和订单参数
type Condition struct {
	Root  ast.Node
	Order model.OrderData
}

// Requirement 是条件树用到的最高价周期，解析成功后需要预热
type Requirement struct {
	Unit   model.PeriodUnit
	Length int
}

// Logic 是一对图 (buyGraph, sellGraph) 的编译结果，编译后不可变
type Logic struct {
	Buy          Condition
	Sell         Condition
	Requirements []Requirement
}

// Compile 把买入图和卖出图编译成两棵条件树。
// market 是叶子节点求值时读取的行情视图，编译过程本身不读取它。
func Compile(buy, sell *Graph, market ast.Market) (*Logic, error) {
	if buy == nil {
		return nil, newError(SideBuy, "", ErrMissingTerminalNode, "graph is empty")
	}
	if sell == nil {
		return nil, newError(SideSell, "", ErrMissingTerminalNode, "graph is empty")
	}

	seen := make(map[Requirement]bool)
	logic := &Logic{}

	buyCond, err := compileSide(SideBuy, ast.KindBuy, buy, market, seen, &logic.Requirements)
	if err != nil {
		return nil, err
	}
	sellCond, err := compileSide(SideSell, ast.KindSell, sell, market, seen, &logic.Requirements)
	if err != nil {
		return nil, err
	}
	logic.Buy, logic.Sell = buyCond, sellCond
	return logic, nil
}

type compiler struct {
	side   string
	market ast.Market
	nodes  map[string]*Node
	inputs map[string][]string
	seen   map[Requirement]bool
	reqs   *[]Requirement
}

func compileSide(side string, terminal ast.Kind, g *Graph, market ast.Market, seen map[Requirement]bool, reqs *[]Requirement) (Condition, error) {
	nodes, inputs, err := validateStructure(side, g)
	if err != nil {
		return Condition{}, err
	}

	var terminals []string
	for _, n := range g.Nodes {
		if ast.Kind(n.Kind) == terminal {
			terminals = append(terminals, n.ID)
		}
	}
	switch len(terminals) {
	case 0:
		return Condition{}, newError(side, "", ErrMissingTerminalNode, "no %s node", terminal)
	case 1:
	default:
		return Condition{}, newError(side, "", ErrMissingTerminalNode, "found %d %s nodes %s", len(terminals), terminal, describe(terminals))
	}

	term := nodes[terminals[0]]
	order, err := orderData(side, term)
	if err != nil {
		return Condition{}, err
	}

	srcs := inputs[term.ID]
	if len(srcs) == 0 {
		return Condition{}, newError(side, term.ID, ErrMissingCondition, "%s node has no incoming connection", terminal)
	}

	c := &compiler{side: side, market: market, nodes: nodes, inputs: inputs, seen: seen, reqs: reqs}
	root, err := c.compile(srcs[0])
	if err != nil {
		return Condition{}, err
	}
	if !isBoolean(root.Kind()) {
		return Condition{}, newError(side, srcs[0], ErrOperandType, "%s condition must be boolean, got %s", terminal, root.Kind())
	}
	return Condition{Root: root, Order: order}, nil
}

func (c *compiler) compile(id string) (ast.Node, error) {
	n := c.nodes[id]
	kind, ok := ast.ParseKind(n.Kind)
	if !ok {
		return nil, newError(c.side, id, ErrUnknownNodeKind, "%q", n.Kind)
	}

	switch kind {
	case ast.KindConst:
		v, err := c.floatControl(n, true, "value", "number")
		if err != nil {
			return nil, err
		}
		return &ast.Const{Value: v}, nil

	case ast.KindCurrentPrice:
		return &ast.CurrentPrice{Market: c.market}, nil

	case ast.KindHighestPrice:
		unitRaw, _ := control(n, "periodUnit", "unit")
		unit, err := model.ParsePeriodUnit(toString(unitRaw))
		if err != nil {
			return nil, newError(c.side, id, ErrInvalidControl, "periodUnit: %v", err)
		}
		length, err := c.periodControl(n, 0, "periodLength", "period", "length")
		if err != nil {
			return nil, err
		}
		c.require(Requirement{Unit: unit, Length: length})
		return &ast.HighestPrice{Market: c.market, Unit: unit, Length: length}, nil

	case ast.KindRSI:
		period, err := c.periodControl(n, ta.RSIPeriod, "period")
		if err != nil {
			return nil, err
		}
		return &ast.RSI{Market: c.market, Period: period}, nil

	case ast.KindROI:
		return &ast.ROI{}, nil

	case ast.KindSMA:
		period, err := c.periodControl(n, 0, "period")
		if err != nil {
			return nil, err
		}
		return &ast.SMA{Market: c.market, Period: period}, nil

	case ast.KindCompare:
		// 先解析操作数，结构错误优先于控件错误
		a, b, err := c.operands(n, isNumeric, "numeric")
		if err != nil {
			return nil, err
		}
		op, err := ast.ParseCompareOp(toString(mustControl(n, "operator", "op")))
		if err != nil {
			return nil, newError(c.side, id, ErrInvalidControl, "%v", err)
		}
		return &ast.Compare{Op: op, A: a, B: b}, nil

	case ast.KindLogicOp:
		// 先解析操作数，结构错误优先于控件错误
		a, b, err := c.operands(n, isBoolean, "boolean")
		if err != nil {
			return nil, err
		}
		op, err := ast.ParseLogicOperator(toString(mustControl(n, "operator", "op")))
		if err != nil {
			return nil, newError(c.side, id, ErrInvalidControl, "%v", err)
		}
		return &ast.LogicOp{Op: op, A: a, B: b}, nil

	}
	if kind.IsTerminal() {
		return nil, newError(c.side, id, ErrOperandType, "%s node cannot be used as an operand", kind)
	}
	return nil, newError(c.side, id, ErrUnknownNodeKind, "%q", n.Kind)
}

// operands 按连线登记顺序取前两个输入作为 A、B，多余的输入被忽略
func (c *compiler) operands(n *Node, accept func(ast.Kind) bool, want string) (ast.Node, ast.Node, error) {
	srcs := c.inputs[n.ID]
	if len(srcs) < 2 {
		return nil, nil, newError(c.side, n.ID, ErrInsufficientOperands, "%s needs 2 operands, got %d", n.Kind, len(srcs))
	}
	var out [2]ast.Node
	for i, src := range srcs[:2] {
		child, err := c.compile(src)
		if err != nil {
			return nil, nil, err
		}
		if !accept(child.Kind()) {
			return nil, nil, newError(c.side, n.ID, ErrOperandType, "operand %q is %s, expected %s", src, child.Kind(), want)
		}
		out[i] = child
	}
	return out[0], out[1], nil
}

func (c *compiler) require(r Requirement) {
	if c.seen[r] {
		return
	}
	c.seen[r] = true
	*c.reqs = append(*c.reqs, r)
}

// periodControl 解析整数周期：缺省时使用 def (def 为 0 表示必填)，必须在 [1, MaxHistory] 内
func (c *compiler) periodControl(n *Node, def int, keys ...string) (int, error) {
	raw, ok := control(n, keys...)
	if !ok {
		if def > 0 {
			return def, nil
		}
		return 0, newError(c.side, n.ID, ErrInvalidNumericControl, "%s: missing", keys[0])
	}
	v, err := parseInt(raw)
	if err != nil {
		return 0, newError(c.side, n.ID, ErrInvalidNumericControl, "%s: %s is not an integer", keys[0], quote(raw))
	}
	if v < 1 {
		return 0, newError(c.side, n.ID, ErrInvalidNumericControl, "%s: %d must be at least 1", keys[0], v)
	}
	if v > ta.MaxHistory {
		return 0, newError(c.side, n.ID, ErrPeriodTooLarge, "%s: %d exceeds history size %d", keys[0], v, ta.MaxHistory)
	}
	return v, nil
}

func (c *compiler) floatControl(n *Node, required bool, keys ...string) (float64, error) {
	raw, ok := control(n, keys...)
	if !ok {
		if required {
			return 0, newError(c.side, n.ID, ErrInvalidNumericControl, "%s: missing", keys[0])
		}
		return 0, nil
	}
	v, err := parseFloat(raw)
	if err != nil {
		return 0, newError(c.side, n.ID, ErrInvalidNumericControl, "%s: %s is not a number", keys[0], quote(raw))
	}
	return v, nil
}

// orderData 读取终端节点上的下单参数
func orderData(side string, n *Node) (model.OrderData, error) {
	order := model.OrderData{Side: model.Side(side), Type: model.OrderMarket}

	if raw, ok := control(n, "orderType", "type"); ok {
		switch strings.ToLower(strings.TrimSpace(toString(raw))) {
		case "", "market":
		case "limit":
			order.Type = model.OrderLimit
		default:
			return order, newError(side, n.ID, ErrInvalidControl, "orderType: %s", quote(raw))
		}
	}

	if order.Type == model.OrderLimit {
		raw, ok := control(n, "limitPrice", "price")
		if !ok {
			return order, newError(side, n.ID, ErrInvalidNumericControl, "limitPrice: missing for limit order")
		}
		p, err := parseFloat(raw)
		if err != nil || p <= 0 {
			return order, newError(side, n.ID, ErrInvalidNumericControl, "limitPrice: %s", quote(raw))
		}
		order.LimitPrice = p
	}

	if side == SideBuy {
		raw, ok := control(n, "krwAmount", "amount", "quantity")
		if !ok {
			return order, newError(side, n.ID, ErrInvalidNumericControl, "krwAmount: missing")
		}
		v, err := parseFloat(raw)
		if err != nil || v <= 0 {
			return order, newError(side, n.ID, ErrInvalidNumericControl, "krwAmount: %s", quote(raw))
		}
		order.Amount = v
		return order, nil
	}

	// 卖出数量为持仓百分比，缺省全部卖出
	order.Amount = 100
	if raw, ok := control(n, "sellPercent", "quantity", "amount"); ok {
		v, err := parseFloat(raw)
		if err != nil || v <= 0 || v > 100 {
			return order, newError(side, n.ID, ErrInvalidNumericControl, "sellPercent: %s", quote(raw))
		}
		order.Amount = v
	}
	return order, nil
}

func isNumeric(k ast.Kind) bool { return k.IsSupplier() }
func isBoolean(k ast.Kind) bool { return k == ast.KindCompare || k == ast.KindLogicOp }

// control 按顺序返回第一个存在且非空的控件值
func control(n *Node, keys ...string) (any, bool) {
	for _, k := range keys {
		v, ok := n.Controls[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

func mustControl(n *Node, keys ...string) any {
	v, _ := control(n, keys...)
	return v
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func quote(v any) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return toString(v)
}

func parseFloat(v any) (float64, error) {
	var f float64
	var err error
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case json.Number:
		f, err = t.Float64()
	case string:
		f, err = service.StringToFloat(t)
	default:
		err = fmt.Errorf("unsupported control type %T", v)
	}
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %v", f)
	}
	return f, nil
}

func parseInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return 0, fmt.Errorf("%v is not integral", t)
		}
		return int(t), nil
	case json.Number:
		i, err := t.Int64()
		return int(i), err
	case string:
		return service.StringToInt(t)
	}
	return 0, fmt.Errorf("unsupported control type %T", v)
}
