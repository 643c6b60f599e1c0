// Package graph 解析编辑器导出的节点图 JSON，并把 buy/sell 两张图编译成表达式树。
//
// 编译分为以下几个阶段，任何一步失败都返回 *CompileError：
//
//   - Decode: JSON 解码 (ErrMalformedGraph)
//   - Structural: 重复 id、悬空连线、环 (ErrStructural)
//   - Terminal: 唯一的 buy/sell 终端节点及其条件输入
//   - Compile: 按 kind 递归构建 ast.Node，解析控件数值、校验操作数
//
// 所有错误都可以用 errors.Is 按类别判断，例如 errors.Is(err, ErrMissingCondition)。
package graph
